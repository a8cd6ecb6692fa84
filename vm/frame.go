package vm

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/strata/pkg/bytecode"
)

// FrameState is the execution state of a frame.
type FrameState uint8

const (
	StateRunning FrameState = iota
	StateSuspended
	StateReturned
	StateRaised
	StateHandedOff // Executing in an optimized tier
)

var frameStateNames = [...]string{"running", "suspended", "returned", "raised", "handed-off"}

func (s FrameState) String() string {
	if int(s) < len(frameStateNames) {
		return frameStateNames[s]
	}
	return "unknown"
}

var activations atomic.Uint64

// Frame is the activation record of one code unit invocation: a flat slot
// array partitioned by the unit's Layout. Frames are confined to the
// goroutine executing them.
type Frame struct {
	Code     *bytecode.CodeUnit
	Layout   bytecode.Layout
	Slots    []Value
	Function *Function
	Globals  Namespace
	Locals   Namespace // Module-level code only

	state      FrameState
	handled    *Exception // Exception being handled in this frame
	caller     *Frame
	depth      int
	loopCount  int
	activation uint64
}

func newFrame(code *bytecode.CodeUnit, layout bytecode.Layout, globals Namespace) *Frame {
	return &Frame{
		Code:       code,
		Layout:     layout,
		Slots:      make([]Value, layout.Capacity),
		Globals:    globals,
		activation: activations.Add(1),
	}
}

// State returns the frame's execution state.
func (f *Frame) State() FrameState { return f.state }

// Caller returns the calling frame, or nil at the top level.
func (f *Frame) Caller() *Frame { return f.caller }

// Depth returns the call depth of the frame, starting at 1.
func (f *Frame) Depth() int { return f.depth }

// LoopCount returns the number of backward jumps taken in this frame.
func (f *Frame) LoopCount() int { return f.loopCount }

// Local returns local slot i.
func (f *Frame) Local(i int) Value { return f.Slots[i] }

// SetLocal stores into local slot i.
func (f *Frame) SetLocal(i int, v Value) { f.Slots[i] = v }

// Cell returns the cell at cell-or-free index i (cells first).
func (f *Frame) Cell(i int) *Cell {
	c, _ := f.Slots[f.Layout.CellOffset+i].ref.(*Cell)
	return c
}

// PC returns the saved program counter. It is written when the frame
// suspends or an exception leaves it.
func (f *Frame) PC() int {
	return int(f.Slots[f.Layout.PCSlot].AsInt())
}

// StackTop returns the saved stack top of a generator frame (-1 when empty).
func (f *Frame) StackTop() int {
	if !f.Layout.Generator() {
		return -1
	}
	v := f.Slots[f.Layout.StackTopSlot]
	if v.IsEmpty() {
		return -1
	}
	return int(v.AsInt())
}

// ReturnValue returns the value stored by a finished generator body.
func (f *Frame) ReturnValue() Value {
	if !f.Layout.Generator() {
		return Value{}
	}
	return f.Slots[f.Layout.ReturnSlot]
}

// Stack returns the operand stack region of the slot array.
func (f *Frame) Stack() []Value {
	return f.Slots[f.Layout.StackOffset:f.Layout.PCSlot]
}

// HandledException returns the exception being handled by this frame or
// the nearest caller handling one.
func (f *Frame) HandledException() *Exception {
	for fr := f; fr != nil; fr = fr.caller {
		if fr.handled != nil {
			return fr.handled
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transient stack frames
// ---------------------------------------------------------------------------

// Generator bodies run with their operand stack in a transient frame taken
// from this pool; the durable generator frame only holds the stack while
// suspended.
var stackFramePool = sync.Pool{
	New: func() any { return &Frame{} },
}

func acquireStackFrame(code *bytecode.CodeUnit, layout bytecode.Layout) *Frame {
	f := stackFramePool.Get().(*Frame)
	if cap(f.Slots) < layout.Capacity {
		f.Slots = make([]Value, layout.Capacity)
	} else {
		f.Slots = f.Slots[:layout.Capacity]
	}
	f.Code = code
	f.Layout = layout
	return f
}

func releaseStackFrame(f *Frame) {
	clear(f.Slots)
	*f = Frame{Slots: f.Slots[:0]}
	stackFramePool.Put(f)
}
