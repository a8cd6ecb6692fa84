package bytecode

import (
	"errors"
	"fmt"
	"sort"
)

// CodeFlags describes the calling convention and body kind of a code unit.
type CodeFlags uint16

const (
	// FlagVarArgs indicates the unit collects extra positional arguments.
	FlagVarArgs CodeFlags = 1 << 0

	// FlagVarKeywords indicates the unit collects extra keyword arguments.
	FlagVarKeywords CodeFlags = 1 << 1

	// FlagGenerator marks generator bodies.
	FlagGenerator CodeFlags = 1 << 2

	// FlagCoroutine marks coroutine bodies.
	FlagCoroutine CodeFlags = 1 << 3
)

var (
	// ErrTruncated is returned when an instruction runs past the end of the code.
	ErrTruncated = errors.New("truncated instruction")

	// ErrUnknownOpcode is returned when decoding a byte outside the catalogue.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// SourceLocation maps a bytecode offset to a source offset for diagnostics.
type SourceLocation struct {
	PC     int // First instruction covered by this entry
	Offset int // Character offset in the source text
}

// CodeUnit is the immutable compiled representation of one function or
// module body. It is created once by a compiler (or Builder) and then shared
// read-only by every frame executing it.
type CodeUnit struct {
	Name     string
	Filename string
	Flags    CodeFlags

	// Code section
	Code []byte

	// Constant pools
	Constants          []any   // Object constants, including nested *CodeUnit
	PrimitiveConstants []int64 // Integers and float64 bit patterns

	// Name tables
	Names    []string // Globals, attributes, imports
	VarNames []string // Locals, arguments first
	CellVars []string // Variables captured by inner functions
	FreeVars []string // Variables captured from enclosing functions

	// Declared argument counts
	ArgCount               int
	PositionalOnlyArgCount int
	KwOnlyArgCount         int

	// Cell2Arg maps a cell index to the argument slot that seeds it, or -1.
	Cell2Arg []int

	// StackSize is the declared maximum operand stack depth.
	StackSize int

	// ExceptionRanges protects instruction ranges with handlers.
	ExceptionRanges RangeTable

	// Debug information
	SourceMap   []SourceLocation // Sorted by PC
	StartOffset int
}

// IsGenerator reports whether the unit is a generator or coroutine body.
func (c *CodeUnit) IsGenerator() bool {
	return c.Flags&(FlagGenerator|FlagCoroutine) != 0
}

// TakesVarArgs reports whether extra positional arguments are collected.
func (c *CodeUnit) TakesVarArgs() bool {
	return c.Flags&FlagVarArgs != 0
}

// TakesVarKeywords reports whether extra keyword arguments are collected.
func (c *CodeUnit) TakesVarKeywords() bool {
	return c.Flags&FlagVarKeywords != 0
}

// Layout computes the frame layout for this unit.
func (c *CodeUnit) Layout() (Layout, error) {
	return ComputeLayout(LayoutInput{
		Locals:    len(c.VarNames),
		Cells:     len(c.CellVars),
		Frees:     len(c.FreeVars),
		StackSize: c.StackSize,
		CodeLen:   len(c.Code),
		Generator: c.IsGenerator(),
	})
}

// SourceOffset returns the source offset of the instruction at pc, or -1
// when no mapping covers it.
func (c *CodeUnit) SourceOffset(pc int) int {
	if len(c.SourceMap) == 0 || pc < 0 {
		return -1
	}
	i := sort.Search(len(c.SourceMap), func(i int) bool {
		return c.SourceMap[i].PC > pc
	})
	if i == 0 {
		return -1
	}
	return c.SourceMap[i-1].Offset
}

// CellName returns the name of cell-or-free index idx (cells first).
func (c *CodeUnit) CellName(idx int) (name string, free bool) {
	if idx < len(c.CellVars) {
		return c.CellVars[idx], false
	}
	idx -= len(c.CellVars)
	if idx < len(c.FreeVars) {
		return c.FreeVars[idx], true
	}
	return fmt.Sprintf("<cell %d>", idx+len(c.CellVars)), true
}

// String returns a short description of the unit.
func (c *CodeUnit) String() string {
	if c.Filename != "" {
		return fmt.Sprintf("<code %s, file %q>", c.Name, c.Filename)
	}
	return fmt.Sprintf("<code %s>", c.Name)
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. EXTENDED_ARG prefixes are folded
// into Arg; Start is the offset of the first prefix and PC the offset of the
// opcode itself.
type Instruction struct {
	Start int
	PC    int
	Op    Opcode
	Arg   int
	Arg2  int
	Next  int // Offset of the following instruction
}

// Width returns the encoded size including prefixes.
func (in Instruction) Width() int {
	return in.Next - in.Start
}

// Target returns the branch destination of a jump instruction.
func (in Instruction) Target() int {
	if in.Op == OpJumpBackward {
		return in.PC - in.Arg
	}
	return in.PC + in.Arg
}

// Decode reads the instruction starting at offset, including any
// EXTENDED_ARG prefixes.
func Decode(code []byte, offset int) (Instruction, error) {
	in := Instruction{Start: offset}
	arg := 0
	pc := offset
	for {
		if pc >= len(code) {
			return in, fmt.Errorf("%w at %d", ErrTruncated, offset)
		}
		op := Opcode(code[pc])
		if !op.IsValid() {
			return in, fmt.Errorf("%w 0x%02X at %d", ErrUnknownOpcode, byte(op), pc)
		}
		width := op.InstructionLen()
		if pc+width > len(code) {
			return in, fmt.Errorf("%w: %s at %d", ErrTruncated, op, pc)
		}
		if op == OpExtendedArg {
			arg = (arg | int(code[pc+1])) << 8
			pc += width
			continue
		}
		in.PC = pc
		in.Op = op
		if width > 1 {
			in.Arg = arg | int(code[pc+1])
		}
		if width > 2 {
			in.Arg2 = int(code[pc+2])
		}
		in.Next = pc + width
		return in, nil
	}
}

// Instructions decodes the whole code section.
func (c *CodeUnit) Instructions() ([]Instruction, error) {
	var out []Instruction
	for offset := 0; offset < len(c.Code); {
		in, err := Decode(c.Code, offset)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		offset = in.Next
	}
	return out, nil
}
