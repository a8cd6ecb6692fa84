package vm

import (
	"fmt"

	"github.com/chazu/strata/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Machine: registers of one running activation
// ---------------------------------------------------------------------------

type exitKind uint8

const (
	exitNone exitKind = iota
	exitReturn
	exitYield
)

// machine holds the registers of an executing activation. Every tier runs
// the same arms against the same machine, so a hand-off only has to agree
// on pc and the stack top.
type machine struct {
	e    *Engine
	info *unitInfo
	code *bytecode.CodeUnit

	lf    *Frame  // Locals, cells, frees and the saved pc
	sf    *Frame  // Operand stack; the same frame unless running a generator
	stack []Value // sf's stack region
	top   int     // Relative stack top, -1 when empty

	pc   int // Start of the executing instruction
	next int // Where control continues; branch arms overwrite it

	exit   exitKind
	result Value

	sent   Value      // Value delivered to RESUME_YIELD
	thrown *Exception // Exception delivered to RESUME_YIELD
}

func (m *machine) push(v Value) {
	m.top++
	m.stack[m.top] = v
}

func (m *machine) pop() Value {
	v := m.stack[m.top]
	m.stack[m.top] = Value{}
	m.top--
	return v
}

// popN pops n values and returns them in push order.
func (m *machine) popN(n int) []Value {
	if n == 0 {
		return nil
	}
	out := make([]Value, n)
	base := m.top - n + 1
	copy(out, m.stack[base:m.top+1])
	clear(m.stack[base : m.top+1])
	m.top = base - 1
	return out
}

func (m *machine) peek() Value {
	return m.stack[m.top]
}

// truncate leaves exactly depth live slots.
func (m *machine) truncate(depth int) {
	if depth-1 < m.top {
		clear(m.stack[depth : m.top+1])
	}
	m.top = depth - 1
}

// ---------------------------------------------------------------------------
// Baseline loop
// ---------------------------------------------------------------------------

// run executes from pc until the activation returns, yields or raises.
func (e *Engine) run(m *machine, pc int) (Value, exitKind, error) {
	code := m.code.Code
	m.lf.state = StateRunning
	m.exit = exitNone

	for {
		in, err := bytecode.Decode(code, pc)
		if err == nil {
			m.pc, m.next = in.Start, in.Next
			before := m.top
			if fn := arms[in.Op]; fn != nil {
				err = fn(m, &in)
			} else {
				err = fmt.Errorf("%w: opcode %s", ErrNotImplemented, in.Op)
			}
			if err == nil && e.OnStep != nil {
				e.OnStep(StepEvent{
					Frame: m.lf, Op: in.Op, Arg: in.Arg, Arg2: in.Arg2,
					PC: in.Start, Width: in.Width(), NextPC: m.next,
					TopBefore: before, TopAfter: m.top,
				})
			}
		}
		if err != nil {
			if pc, err = e.raise(m, pc, err); err != nil {
				return Value{}, exitNone, err
			}
			continue
		}

		switch m.exit {
		case exitReturn:
			m.lf.state = StateReturned
			return m.result, exitReturn, nil
		case exitYield:
			e.suspend(m)
			return m.result, exitYield, nil
		}
		pc = m.next

		if in.Op != bytecode.OpJumpBackward {
			continue
		}
		out := e.backEdge(m, &in)
		if out == nil {
			continue
		}
		switch out.Kind {
		case OutcomeFallBack:
			pc, m.top = out.PC, out.StackTop
		case OutcomeRaise:
			m.top = out.StackTop
			if pc, err = e.raise(m, out.PC, out.Err); err != nil {
				return Value{}, exitNone, err
			}
		case OutcomeReturn:
			m.result = out.Value
			m.lf.state = StateReturned
			return m.result, exitReturn, nil
		case OutcomeYield:
			m.next, m.top, m.result = out.PC, out.StackTop, out.Value
			e.suspend(m)
			return m.result, exitYield, nil
		}
	}
}

// raise handles a fault of the instruction at pc: the error becomes an
// in-flight exception with provenance, chained onto the exception being
// handled, and control moves to the covering handler. Without a handler
// the pc slot records the faulting instruction and the exception is
// returned for propagation.
func (e *Engine) raise(m *machine, pc int, err error) (int, error) {
	exc := WrapError(err)
	exc.record(m.lf, pc)
	exc.chain(m.lf.HandledException())

	if handler, depth, ok := m.code.ExceptionRanges.Lookup(pc); ok {
		m.truncate(depth)
		m.push(Ref(exc))
		return handler, nil
	}
	m.lf.Slots[m.lf.Layout.PCSlot] = Int(int64(pc))
	m.lf.state = StateRaised
	return pc, exc
}

// suspend moves the live operand stack from the transient frame into the
// durable frame and records where to resume.
func (e *Engine) suspend(m *machine) {
	lf, sf := m.lf, m.sf
	off := lf.Layout.StackOffset
	if lf != sf {
		for i := 0; i <= m.top; i++ {
			lf.Slots[off+i] = sf.Slots[off+i]
			sf.Slots[off+i] = Value{}
		}
	}
	lf.Slots[lf.Layout.PCSlot] = Int(int64(m.next))
	if lf.Layout.Generator() {
		lf.Slots[lf.Layout.StackTopSlot] = Int(int64(m.top))
	}
	lf.state = StateSuspended
}

// backEdge counts a taken loop edge and offers the loop to the tier when
// the policy says it is hot.
func (e *Engine) backEdge(m *machine, in *bytecode.Instruction) *Outcome {
	m.lf.loopCount++
	if e.Tier == nil || e.Policy == nil {
		return nil
	}
	key := LoopKey{Unit: m.info.fingerprint, Head: in.Target(), Edge: in.Start}
	if !e.Policy.OnBackEdge(key, m.lf.loopCount) {
		return nil
	}

	t := &Transfer{
		Code:      m.code,
		Key:       key,
		PC:        m.next,
		StackTop:  m.top,
		LoopStart: key.Head,
		LoopEnd:   key.Edge,
		m:         m,
	}
	m.lf.state = StateHandedOff
	out := e.Tier.TryEnter(t)
	m.lf.state = StateRunning
	if out != nil {
		osrLog.Debugf("%s: loop %04X-%04X left tier: %s", m.code.Name, key.Head, key.Edge, out)
	}
	return out
}
