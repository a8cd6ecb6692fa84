package vm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// GeneratorState is the lifecycle state of a generator.
type GeneratorState int32

const (
	GeneratorCreated GeneratorState = iota
	GeneratorSuspended
	GeneratorRunning
	GeneratorFinished
)

var generatorStateNames = [...]string{"created", "suspended", "running", "finished"}

func (s GeneratorState) String() string {
	if int(s) < len(generatorStateNames) {
		return generatorStateNames[s]
	}
	return "unknown"
}

// Continuation is the resume point of a suspended generator. It can be
// consumed once.
type Continuation struct {
	PC       int
	StackTop int

	spent atomic.Bool
}

// Spent reports whether the continuation has been consumed.
func (c *Continuation) Spent() bool { return c.spent.Load() }

// Generator is a suspended generator body. It owns the durable frame; the
// operand stack lives in that frame only while suspended.
type Generator struct {
	e     *Engine
	frame *Frame
	info  *unitInfo

	state atomic.Int32
	cont  *Continuation // Guarded by the running state
}

func newGenerator(e *Engine, f *Frame, info *unitInfo) *Generator {
	f.state = StateSuspended
	f.Slots[f.Layout.PCSlot] = Int(0)
	f.Slots[f.Layout.StackTopSlot] = Int(-1)
	return &Generator{
		e:     e,
		frame: f,
		info:  info,
		cont:  &Continuation{PC: 0, StackTop: -1},
	}
}

// State returns the generator's lifecycle state.
func (g *Generator) State() GeneratorState {
	return GeneratorState(g.state.Load())
}

// Frame returns the durable frame.
func (g *Generator) Frame() *Frame { return g.frame }

// Continuation returns the current resume point, or nil once finished.
func (g *Generator) Continuation() *Continuation {
	if g.State() == GeneratorFinished {
		return nil
	}
	return g.cont
}

func (g *Generator) String() string {
	return fmt.Sprintf("<generator %s %s>", g.frame.Code.Name, g.State())
}

// Send resumes the generator with v as the value of the pending yield.
// done is true when the body returned; the value is then its result.
func (g *Generator) Send(v Value) (Value, bool, error) {
	return g.resume(nil, nil, v, nil)
}

// Resume is Send from an explicit continuation. Resuming from a
// continuation that has already been used fails with ErrContinuationSpent.
func (g *Generator) Resume(c *Continuation, v Value) (Value, bool, error) {
	if c == nil {
		return Value{}, false, ErrContinuationSpent
	}
	return g.resume(nil, c, v, nil)
}

// Throw raises exc at the pending yield.
func (g *Generator) Throw(exc *Exception) (Value, bool, error) {
	return g.resume(nil, nil, Value{}, exc)
}

// Next advances the generator; ok is false once the body has returned.
func (g *Generator) Next() (Value, bool, error) {
	v, done, err := g.resume(nil, nil, None, nil)
	if errors.Is(err, ErrGeneratorExhausted) {
		return Value{}, false, nil
	}
	if err != nil || done {
		return Value{}, false, err
	}
	return v, true, nil
}

// Close raises ErrGeneratorExit inside a suspended generator. A body that
// swallows it and yields again fails with ErrGeneratorIgnoredExit.
func (g *Generator) Close() error {
	for {
		s := g.state.Load()
		if GeneratorState(s) == GeneratorCreated {
			if g.state.CompareAndSwap(s, int32(GeneratorFinished)) {
				return nil
			}
			continue
		}
		if GeneratorState(s) == GeneratorFinished {
			return nil
		}
		break
	}
	_, done, err := g.resume(nil, nil, Value{}, &Exception{Err: ErrGeneratorExit})
	switch {
	case errors.Is(err, ErrGeneratorExit), errors.Is(err, ErrGeneratorExhausted):
		return nil
	case err != nil:
		return err
	case !done:
		return fmt.Errorf("%w: %s", ErrGeneratorIgnoredExit, g.frame.Code.Name)
	}
	return nil
}

// acquire moves the generator into the running state and returns the state
// it left.
func (g *Generator) acquire() (GeneratorState, error) {
	for {
		s := GeneratorState(g.state.Load())
		switch s {
		case GeneratorRunning:
			return s, ErrGeneratorRunning
		case GeneratorFinished:
			return s, ErrGeneratorExhausted
		}
		if g.state.CompareAndSwap(int32(s), int32(GeneratorRunning)) {
			return s, nil
		}
	}
}

// resume runs the body from the continuation c (the current one when nil)
// until it yields, returns or raises.
func (g *Generator) resume(caller *Frame, c *Continuation, send Value, thrown *Exception) (Value, bool, error) {
	prev, err := g.acquire()
	if err != nil {
		return Value{}, false, err
	}
	f := g.frame

	if prev == GeneratorCreated {
		if thrown != nil {
			g.finish()
			return Value{}, false, thrown
		}
		if !send.IsEmpty() && !send.IsNone() {
			g.state.Store(int32(prev))
			return Value{}, false, fmt.Errorf("%w: can't send non-None value to a just-started generator", ErrArgument)
		}
	}

	if c == nil {
		c = g.cont
	}
	if c != g.cont || !c.spent.CompareAndSwap(false, true) {
		g.state.Store(int32(prev))
		return Value{}, false, ErrContinuationSpent
	}

	depth := 1
	if caller != nil {
		depth = caller.depth + 1
	}
	if depth > g.e.MaxDepth {
		c.spent.Store(false)
		g.state.Store(int32(prev))
		return Value{}, false, &Exception{Err: fmt.Errorf("%w (limit %d)", ErrRecursionLimit, g.e.MaxDepth)}
	}
	f.caller, f.depth = caller, depth

	sf := acquireStackFrame(f.Code, f.Layout)
	off := f.Layout.StackOffset
	for i := 0; i <= c.StackTop; i++ {
		sf.Slots[off+i] = f.Slots[off+i]
		f.Slots[off+i] = Value{}
	}
	m := &machine{
		e: g.e, info: g.info, code: f.Code,
		lf: f, sf: sf, stack: sf.Stack(), top: c.StackTop,
		sent: send, thrown: thrown,
	}
	v, kind, err := g.e.run(m, c.PC)
	releaseStackFrame(sf)
	f.caller = nil

	switch {
	case err != nil:
		g.finish()
		return Value{}, false, err
	case kind == exitYield:
		g.cont = &Continuation{PC: f.PC(), StackTop: f.StackTop()}
		g.state.Store(int32(GeneratorSuspended))
		return v, false, nil
	default:
		f.Slots[f.Layout.ReturnSlot] = v
		g.finish()
		return v, true, nil
	}
}

func (g *Generator) finish() {
	g.cont = nil
	g.state.Store(int32(GeneratorFinished))
}
