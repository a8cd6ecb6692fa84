package vm

import (
	"encoding/binary"
	"fmt"
	"hash"
	"math"

	"github.com/zeebo/xxh3"

	"github.com/chazu/strata/pkg/bytecode"
)

// Fingerprint hashes everything about a code unit that affects execution:
// code, constant pools (nested units included), name tables, flags,
// argument counts, cell seeding, stack size and exception ranges. The
// filename and source map are left out so that moving a file keeps its
// stored loop profiles. Units built from the same source hash the same
// across processes.
func Fingerprint(code *bytecode.CodeUnit) uint64 {
	h := xxh3.New()
	fp := fingerprinter{h: h, open: make(map[*bytecode.CodeUnit]int)}
	fp.unit(code)
	return h.Sum64()
}

// Constant tags. None has one tag however it is spelled, and int constants
// hash the same whatever their Go width, matching the transport encoding.
const (
	tagNone byte = iota + 1
	tagString
	tagInt
	tagFloat
	tagBool
	tagUnit
	tagBackRef
	tagOther
)

type fingerprinter struct {
	h    hash.Hash64
	open map[*bytecode.CodeUnit]int // units on the current path, by depth
	buf  [8]byte
}

func (fp *fingerprinter) writeByte(b byte) {
	fp.h.Write([]byte{b})
}

func (fp *fingerprinter) writeInt(i int64) {
	binary.LittleEndian.PutUint64(fp.buf[:], uint64(i))
	fp.h.Write(fp.buf[:])
}

func (fp *fingerprinter) writeString(s string) {
	fp.writeInt(int64(len(s)))
	fp.h.Write([]byte(s))
}

func (fp *fingerprinter) writeStrings(ss []string) {
	fp.writeInt(int64(len(ss)))
	for _, s := range ss {
		fp.writeString(s)
	}
}

func (fp *fingerprinter) unit(c *bytecode.CodeUnit) {
	if depth, ok := fp.open[c]; ok {
		fp.writeByte(tagBackRef)
		fp.writeInt(int64(depth))
		return
	}
	fp.open[c] = len(fp.open)
	defer delete(fp.open, c)

	fp.writeString(c.Name)
	fp.writeInt(int64(c.Flags))
	fp.writeInt(int64(len(c.Code)))
	fp.h.Write(c.Code)

	fp.writeInt(int64(len(c.PrimitiveConstants)))
	for _, p := range c.PrimitiveConstants {
		fp.writeInt(p)
	}
	fp.writeInt(int64(len(c.Constants)))
	for _, k := range c.Constants {
		fp.constant(k)
	}

	fp.writeStrings(c.Names)
	fp.writeStrings(c.VarNames)
	fp.writeStrings(c.CellVars)
	fp.writeStrings(c.FreeVars)

	fp.writeInt(int64(c.ArgCount))
	fp.writeInt(int64(c.PositionalOnlyArgCount))
	fp.writeInt(int64(c.KwOnlyArgCount))
	fp.writeInt(int64(len(c.Cell2Arg)))
	for _, a := range c.Cell2Arg {
		fp.writeInt(int64(a))
	}
	fp.writeInt(int64(c.StackSize))

	flat := c.ExceptionRanges.Flat()
	fp.writeInt(int64(len(flat)))
	for _, v := range flat {
		fp.writeInt(int64(v))
	}
}

func (fp *fingerprinter) constant(k any) {
	switch x := k.(type) {
	case nil, NoneType:
		fp.writeByte(tagNone)
	case Value:
		switch x.Kind() {
		case KindInt:
			fp.constant(x.AsInt())
		case KindFloat:
			fp.constant(x.AsFloat())
		case KindBool:
			fp.constant(x.AsBool())
		case KindEmpty:
			fp.writeByte(tagNone)
		default:
			fp.constant(x.AsRef())
		}
	case string:
		fp.writeByte(tagString)
		fp.writeString(x)
	case int:
		fp.writeByte(tagInt)
		fp.writeInt(int64(x))
	case int64:
		fp.writeByte(tagInt)
		fp.writeInt(x)
	case float64:
		fp.writeByte(tagFloat)
		fp.writeInt(int64(math.Float64bits(x)))
	case bool:
		fp.writeByte(tagBool)
		if x {
			fp.writeByte(1)
		} else {
			fp.writeByte(0)
		}
	case *bytecode.CodeUnit:
		fp.writeByte(tagUnit)
		fp.unit(x)
	default:
		fp.writeByte(tagOther)
		fp.writeString(fmt.Sprintf("%T:%v", k, k))
	}
}
