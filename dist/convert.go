package dist

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/vm"
)

var (
	// ErrUnsupportedConstant is returned for constants with no wire form.
	ErrUnsupportedConstant = errors.New("unsupported constant")

	// ErrMalformed is returned for bundles that do not describe valid units.
	ErrMalformed = errors.New("malformed bundle")

	// ErrFingerprint is returned when a decoded unit does not hash to the
	// fingerprint recorded at encoding time.
	ErrFingerprint = errors.New("fingerprint mismatch")
)

// Units returns root and every unit reachable through constant pools, in
// discovery order with root first. Each unit appears once.
func Units(root *bytecode.CodeUnit) []*bytecode.CodeUnit {
	seen := make(map[*bytecode.CodeUnit]bool)
	var result []*bytecode.CodeUnit
	var walk func(*bytecode.CodeUnit)

	walk = func(c *bytecode.CodeUnit) {
		if seen[c] {
			return
		}
		seen[c] = true
		result = append(result, c)
		for _, k := range c.Constants {
			if nested, ok := k.(*bytecode.CodeUnit); ok && nested != nil {
				walk(nested)
			}
		}
	}

	walk(root)
	return result
}

// FromCodeUnit converts root and its nested units to wire form.
func FromCodeUnit(root *bytecode.CodeUnit) (*Bundle, error) {
	units := Units(root)
	index := make(map[*bytecode.CodeUnit]int, len(units))
	for i, c := range units {
		index[c] = i
	}

	b := &Bundle{
		Version:     FormatVersion,
		Fingerprint: vm.Fingerprint(root),
		Units:       make([]Unit, len(units)),
	}
	for i, c := range units {
		u := Unit{
			Name:       c.Name,
			Filename:   c.Filename,
			Flags:      uint16(c.Flags),
			Code:       c.Code,
			Primitives: c.PrimitiveConstants,
			Names:      c.Names,
			VarNames:   c.VarNames,
			CellVars:   c.CellVars,
			FreeVars:   c.FreeVars,
			ArgCount:   c.ArgCount,
			PosOnly:    c.PositionalOnlyArgCount,
			KwOnly:     c.KwOnlyArgCount,
			Cell2Arg:   c.Cell2Arg,
			StackSize:  c.StackSize,
			Ranges:     c.ExceptionRanges.Flat(),
			StartPos:   c.StartOffset,
		}
		for j, k := range c.Constants {
			wk, err := encodeConstant(k, index)
			if err != nil {
				return nil, fmt.Errorf("dist: %s constant %d: %w", c.Name, j, err)
			}
			u.Constants = append(u.Constants, wk)
		}
		for _, loc := range c.SourceMap {
			u.SourceMap = append(u.SourceMap, Location{PC: loc.PC, Offset: loc.Offset})
		}
		b.Units[i] = u
	}
	return b, nil
}

func encodeConstant(k any, index map[*bytecode.CodeUnit]int) (Constant, error) {
	switch x := k.(type) {
	case nil:
		return Constant{Kind: ConstNone}, nil
	case vm.NoneType:
		return Constant{Kind: ConstNone}, nil
	case vm.Value:
		if x.IsNone() {
			return Constant{Kind: ConstNone}, nil
		}
	case string:
		return Constant{Kind: ConstString, Str: x}, nil
	case int:
		return Constant{Kind: ConstInt, Int: int64(x)}, nil
	case int64:
		return Constant{Kind: ConstInt, Int: x}, nil
	case float64:
		return Constant{Kind: ConstFloat, Bits: math.Float64bits(x)}, nil
	case bool:
		c := Constant{Kind: ConstBool}
		if x {
			c.Int = 1
		}
		return c, nil
	case *bytecode.CodeUnit:
		return Constant{Kind: ConstUnit, Int: int64(index[x])}, nil
	}
	return Constant{}, fmt.Errorf("%w of type %T", ErrUnsupportedConstant, k)
}

// ToCodeUnit rebuilds the root unit of b. Units shared between constant
// pools are shared again after decoding.
func ToCodeUnit(b *Bundle) (*bytecode.CodeUnit, error) {
	if b.Version != FormatVersion {
		return nil, fmt.Errorf("dist: %w: format version %d, want %d", ErrMalformed, b.Version, FormatVersion)
	}
	if len(b.Units) == 0 {
		return nil, fmt.Errorf("dist: %w: no units", ErrMalformed)
	}

	units := make([]*bytecode.CodeUnit, len(b.Units))
	for i := range units {
		units[i] = &bytecode.CodeUnit{}
	}
	for i, u := range b.Units {
		c := units[i]
		*c = bytecode.CodeUnit{
			Name:                   u.Name,
			Filename:               u.Filename,
			Flags:                  bytecode.CodeFlags(u.Flags),
			Code:                   u.Code,
			PrimitiveConstants:     u.Primitives,
			Names:                  u.Names,
			VarNames:               u.VarNames,
			CellVars:               u.CellVars,
			FreeVars:               u.FreeVars,
			ArgCount:               u.ArgCount,
			PositionalOnlyArgCount: u.PosOnly,
			KwOnlyArgCount:         u.KwOnly,
			Cell2Arg:               u.Cell2Arg,
			StackSize:              u.StackSize,
			StartOffset:            u.StartPos,
		}
		if len(u.Cell2Arg) > len(u.CellVars) {
			return nil, fmt.Errorf("dist: %w: %s has %d cell2arg entries for %d cells", ErrMalformed, u.Name, len(u.Cell2Arg), len(u.CellVars))
		}
		ranges, err := bytecode.RangeTableFromFlat(u.Ranges)
		if err != nil {
			return nil, fmt.Errorf("dist: %s: %w", u.Name, err)
		}
		if len(ranges) > 0 {
			c.ExceptionRanges = ranges
		}
		for j, k := range u.Constants {
			v, err := decodeConstant(k, units)
			if err != nil {
				return nil, fmt.Errorf("dist: %s constant %d: %w", u.Name, j, err)
			}
			c.Constants = append(c.Constants, v)
		}
		for _, loc := range u.SourceMap {
			c.SourceMap = append(c.SourceMap, bytecode.SourceLocation{PC: loc.PC, Offset: loc.Offset})
		}
		if _, err := c.Layout(); err != nil {
			return nil, fmt.Errorf("dist: %s: %w", u.Name, err)
		}
	}

	root := units[0]
	if got := vm.Fingerprint(root); got != b.Fingerprint {
		return nil, fmt.Errorf("dist: %w: declared %016x, computed %016x", ErrFingerprint, b.Fingerprint, got)
	}
	return root, nil
}

func decodeConstant(k Constant, units []*bytecode.CodeUnit) (any, error) {
	switch k.Kind {
	case ConstNone:
		return nil, nil
	case ConstString:
		return k.Str, nil
	case ConstInt:
		return k.Int, nil
	case ConstFloat:
		return math.Float64frombits(k.Bits), nil
	case ConstBool:
		return k.Int != 0, nil
	case ConstUnit:
		if k.Int < 0 || k.Int >= int64(len(units)) {
			return nil, fmt.Errorf("%w: unit index %d out of range", ErrMalformed, k.Int)
		}
		return units[k.Int], nil
	}
	return nil, fmt.Errorf("%w: constant kind %d", ErrMalformed, k.Kind)
}

// VerifyAll runs the static stack verifier over root and every nested
// unit, returning the first failure.
func VerifyAll(root *bytecode.CodeUnit) error {
	for _, c := range Units(root) {
		if _, err := bytecode.Verify(c); err != nil {
			return fmt.Errorf("dist: verify %s: %w", c.Name, err)
		}
	}
	return nil
}
