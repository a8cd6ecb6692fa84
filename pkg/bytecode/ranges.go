package bytecode

import (
	"errors"
	"fmt"
)

// ErrRangeOrder reports an exception table that is not ascending and
// non-overlapping.
var ErrRangeOrder = errors.New("exception ranges out of order")

// ExceptionRange protects [Start, End) with the handler at Handler, which
// expects the operand stack truncated to StackDepth slots before the
// exception is pushed.
type ExceptionRange struct {
	Start      int
	End        int
	Handler    int
	StackDepth int
}

// RangeTable is an ascending, non-overlapping sequence of exception ranges.
type RangeTable []ExceptionRange

// NewRangeTable validates and returns a range table.
func NewRangeTable(ranges ...ExceptionRange) (RangeTable, error) {
	t := RangeTable(ranges)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// RangeTableFromFlat decodes the flat (start, end, handler, depth) encoding.
func RangeTableFromFlat(flat []uint16) (RangeTable, error) {
	if len(flat)%4 != 0 {
		return nil, fmt.Errorf("%w: flat table length %d is not a multiple of 4", ErrRangeOrder, len(flat))
	}
	t := make(RangeTable, 0, len(flat)/4)
	for i := 0; i < len(flat); i += 4 {
		t = append(t, ExceptionRange{
			Start:      int(flat[i]),
			End:        int(flat[i+1]),
			Handler:    int(flat[i+2]),
			StackDepth: int(flat[i+3]),
		})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Flat returns the (start, end, handler, depth) encoding of the table.
func (t RangeTable) Flat() []uint16 {
	flat := make([]uint16, 0, len(t)*4)
	for _, r := range t {
		flat = append(flat, uint16(r.Start), uint16(r.End), uint16(r.Handler), uint16(r.StackDepth))
	}
	return flat
}

// Validate checks ordering, bounds and the encoding limits.
func (t RangeTable) Validate() error {
	prevEnd := 0
	for i, r := range t {
		if r.Start >= r.End {
			return fmt.Errorf("%w: range %d is empty [%d, %d)", ErrRangeOrder, i, r.Start, r.End)
		}
		if r.Start < prevEnd {
			return fmt.Errorf("%w: range %d starts at %d before previous end %d", ErrRangeOrder, i, r.Start, prevEnd)
		}
		if r.End >= MaxCodeSize || r.Handler >= MaxCodeSize || r.Handler < 0 {
			return fmt.Errorf("%w: range %d exceeds code size limit", ErrLayoutOverflow, i)
		}
		if r.StackDepth < 0 || r.StackDepth >= MaxStackSize {
			return fmt.Errorf("%w: range %d stack depth %d", ErrLayoutOverflow, i, r.StackDepth)
		}
		prevEnd = r.End
	}
	return nil
}

// Lookup resolves a faulting pc to its handler. The scan stops at the first
// range starting after pc (no match) or ending after it (match).
func (t RangeTable) Lookup(pc int) (handler, depth int, ok bool) {
	for _, r := range t {
		if pc < r.Start {
			break
		}
		if pc < r.End {
			return r.Handler, r.StackDepth, true
		}
	}
	return -1, -1, false
}
