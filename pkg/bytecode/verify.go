package bytecode

import (
	"errors"
	"fmt"
)

var (
	ErrStackUnderflow = errors.New("stack underflow")
	ErrStackMismatch  = errors.New("inconsistent stack depth")
	ErrStackOverflow  = errors.New("declared stack size too small")
	ErrBadJump        = errors.New("jump target is not an instruction boundary")
)

// Verify runs a static stack-depth analysis over the unit and returns the
// maximum operand stack depth. Every reachable instruction must be entered
// with a single consistent depth, never pop below zero, and branch only to
// instruction boundaries. Exception handlers are entered at their range
// depth plus the pushed exception.
//
// When the unit declares a non-zero StackSize the computed maximum must not
// exceed it.
func Verify(c *CodeUnit) (int, error) {
	maxDepth := 0
	if _, err := analyze(c, &maxDepth); err != nil {
		return 0, err
	}
	if c.StackSize > 0 && maxDepth > c.StackSize {
		return 0, fmt.Errorf("%w: %s needs %d, declares %d", ErrStackOverflow, c.Name, maxDepth, c.StackSize)
	}
	return maxDepth, nil
}

// analyze returns the entry depth of every reachable instruction start.
// Handler ranges whose depth is still unknown (negative) are skipped.
func analyze(c *CodeUnit, maxDepth *int) (map[int]int, error) {
	instrs, err := c.Instructions()
	if err != nil {
		return nil, err
	}
	byStart := make(map[int]Instruction, len(instrs))
	for _, in := range instrs {
		byStart[in.Start] = in
	}

	depths := make(map[int]int, len(instrs))
	var work []int
	var highest int

	enter := func(from, pc, depth int) error {
		if _, ok := byStart[pc]; !ok {
			if pc == len(c.Code) {
				return fmt.Errorf("%w: control falls off the end after %d", ErrBadJump, from)
			}
			return fmt.Errorf("%w: %d -> %d", ErrBadJump, from, pc)
		}
		if prev, seen := depths[pc]; seen {
			if prev != depth {
				return fmt.Errorf("%w at %d: %d vs %d (from %d)", ErrStackMismatch, pc, prev, depth, from)
			}
			return nil
		}
		depths[pc] = depth
		if depth > highest {
			highest = depth
		}
		work = append(work, pc)
		return nil
	}

	if len(instrs) > 0 {
		if err := enter(0, 0, 0); err != nil {
			return nil, err
		}
	}
	for _, r := range c.ExceptionRanges {
		if r.StackDepth < 0 {
			continue
		}
		if err := enter(r.Start, r.Handler, r.StackDepth+1); err != nil {
			return nil, err
		}
	}

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		in := byStart[pc]
		depth := depths[pc]

		if err := checkOperand(c, in); err != nil {
			return nil, err
		}

		info := GetOpcodeInfo(in.Op)
		pop, push := StackEffect(in.Op, in.Arg, in.Arg2, false)
		if depth < pop {
			return nil, fmt.Errorf("%w: %s at %d pops %d with depth %d", ErrStackUnderflow, in.Op, in.PC, pop, depth)
		}
		if depth-pop+push > highest {
			highest = depth - pop + push
		}
		if !info.Terminal {
			if err := enter(in.Start, in.Next, depth-pop+push); err != nil {
				return nil, err
			}
		}
		if info.Branch {
			jpop, jpush := StackEffect(in.Op, in.Arg, in.Arg2, true)
			if depth < jpop {
				return nil, fmt.Errorf("%w: %s at %d pops %d with depth %d", ErrStackUnderflow, in.Op, in.PC, jpop, depth)
			}
			if err := enter(in.Start, in.Target(), depth-jpop+jpush); err != nil {
				return nil, err
			}
		}
	}

	for _, r := range c.ExceptionRanges {
		if r.StackDepth < 0 {
			continue
		}
		for pc, d := range depths {
			if pc >= r.Start && pc < r.End && d < r.StackDepth {
				return nil, fmt.Errorf("%w: %d has depth %d inside range expecting %d", ErrStackMismatch, pc, d, r.StackDepth)
			}
		}
	}

	if maxDepth != nil {
		*maxDepth = highest
	}
	return depths, nil
}

// checkOperand validates table indices against the unit's tables.
func checkOperand(c *CodeUnit, in Instruction) error {
	var limit int
	switch in.Op {
	case OpLoadFast, OpStoreFast, OpDeleteFast:
		limit = len(c.VarNames)
	case OpLoadClosure, OpLoadDeref, OpStoreDeref, OpDeleteDeref:
		limit = len(c.CellVars) + len(c.FreeVars)
	case OpLoadGlobal, OpStoreGlobal, OpDeleteGlobal, OpLoadName, OpStoreName, OpDeleteName,
		OpLoadAttr, OpStoreAttr, OpDeleteAttr, OpImportName, OpImportFrom,
		OpCallMethod, OpCallMethodVarargs, OpMakeKeyword:
		limit = len(c.Names)
	case OpLoadConst, OpMakeFunction:
		limit = len(c.Constants)
	case OpLoadLong, OpLoadDouble:
		limit = len(c.PrimitiveConstants)
	default:
		return nil
	}
	if in.Arg >= limit {
		return fmt.Errorf("%w: %s at %d references index %d of %d", ErrOperandRange, in.Op, in.PC, in.Arg, limit)
	}
	return nil
}
