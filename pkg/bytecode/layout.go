package bytecode

import (
	"errors"
	"fmt"
)

// Encoding limits of the instruction format.
const (
	MaxStackSize = 1 << 12 // 12-bit stack depth
	MaxCodeSize  = 1 << 16 // 16-bit instruction offsets
)

// ErrLayoutOverflow reports a code unit that exceeds the fixed-width limits
// of the encoding. It is a compiler contract violation and not recoverable.
var ErrLayoutOverflow = errors.New("layout overflow")

// LayoutInput holds the declared counts of a code unit.
type LayoutInput struct {
	Locals    int
	Cells     int
	Frees     int
	StackSize int
	CodeLen   int
	Generator bool
}

// Layout is the fixed slot partition of a frame:
//
//	[0, CellOffset)            locals
//	[CellOffset, FreeOffset)   cells
//	[FreeOffset, StackOffset)  frees
//	[StackOffset, PCSlot)      operand stack
//	PCSlot                     current program counter
//	StackTopSlot, ReturnSlot   generator bodies only
type Layout struct {
	CellOffset   int
	FreeOffset   int
	StackOffset  int
	PCSlot       int
	StackTopSlot int // -1 unless generator
	ReturnSlot   int // -1 unless generator
	Capacity     int
}

// StackSize returns the number of operand stack slots.
func (l Layout) StackSize() int {
	return l.PCSlot - l.StackOffset
}

// Generator reports whether the layout reserves generator slots.
func (l Layout) Generator() bool {
	return l.StackTopSlot >= 0
}

// ComputeLayout partitions a frame for the given counts.
func ComputeLayout(in LayoutInput) (Layout, error) {
	if in.Locals < 0 || in.Cells < 0 || in.Frees < 0 || in.StackSize < 0 {
		return Layout{}, fmt.Errorf("%w: negative count", ErrLayoutOverflow)
	}
	if in.StackSize >= MaxStackSize {
		return Layout{}, fmt.Errorf("%w: stack size %d exceeds %d", ErrLayoutOverflow, in.StackSize, MaxStackSize-1)
	}
	if in.CodeLen >= MaxCodeSize {
		return Layout{}, fmt.Errorf("%w: code length %d exceeds %d", ErrLayoutOverflow, in.CodeLen, MaxCodeSize-1)
	}

	l := Layout{StackTopSlot: -1, ReturnSlot: -1}
	l.CellOffset = in.Locals
	l.FreeOffset = l.CellOffset + in.Cells
	l.StackOffset = l.FreeOffset + in.Frees
	l.PCSlot = l.StackOffset + in.StackSize
	l.Capacity = l.PCSlot + 1
	if in.Generator {
		l.StackTopSlot = l.Capacity
		l.ReturnSlot = l.Capacity + 1
		l.Capacity += 2
	}
	return l, nil
}
