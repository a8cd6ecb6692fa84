package vm

import (
	"fmt"
	"sync"

	"github.com/chazu/strata/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Operation handlers
// ---------------------------------------------------------------------------

// OpKey selects a delegated operation: the opcode plus its sub-operation
// (the operator of UNARY_OP and BINARY_OP, zero otherwise).
type OpKey struct {
	Op  bytecode.Opcode
	Sub int
}

func (k OpKey) String() string {
	return fmt.Sprintf("%s/%d", k.Op, k.Sub)
}

// OpCall is the input of a delegated operation. Operands are in push order.
// The frame is only valid for the duration of the call.
type OpCall struct {
	Engine   *Engine
	Frame    *Frame
	PC       int
	Arg      int
	Name     string // Resolved name operand, if the opcode has one
	Operands []Value
}

// OpHandler implements one delegated operation. The result is pushed when
// the opcode produces a value and ignored otherwise.
type OpHandler func(call *OpCall) (Value, error)

// OpTable maps operation keys to handlers. Registration happens during
// setup; lookups during execution take a read lock only.
type OpTable struct {
	mu       sync.RWMutex
	handlers map[OpKey]OpHandler
}

// NewOpTable creates an empty table.
func NewOpTable() *OpTable {
	return &OpTable{handlers: make(map[OpKey]OpHandler)}
}

// Register installs h for (op, sub), replacing any previous handler.
func (t *OpTable) Register(op bytecode.Opcode, sub int, h OpHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[OpKey{Op: op, Sub: sub}] = h
}

// Lookup returns the handler for (op, sub).
func (t *OpTable) Lookup(op bytecode.Opcode, sub int) (OpHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[OpKey{Op: op, Sub: sub}]
	return h, ok
}

// Len returns the number of registered handlers.
func (t *OpTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// ---------------------------------------------------------------------------
// Object model contracts
// ---------------------------------------------------------------------------

// Keyword is one keyword argument.
type Keyword struct {
	Name  string
	Value Value
}

// Protocol is the object model's behaviour the engine depends on. Engine
// functions and generators are handled by the engine before delegating.
type Protocol interface {
	// Truth returns the truth value of v.
	Truth(v Value) (bool, error)

	// Next advances an iterator; ok is false when it is exhausted.
	Next(iter Value) (item Value, ok bool, err error)

	// Unpack splits seq into exactly n items.
	Unpack(seq Value, n int) ([]Value, error)

	// UnpackEx splits seq into before leading items, a rest list and after
	// trailing items.
	UnpackEx(seq Value, before, after int) (head []Value, rest Value, tail []Value, err error)

	// Sequence materializes a tuple or list for argument spreading.
	Sequence(v Value) ([]Value, error)

	// Keywords materializes a keyword bag or dict.
	Keywords(v Value) ([]Keyword, error)

	// Raise turns a raised value (class or instance) into an exception.
	Raise(v Value) (*Exception, error)

	// ExceptionValue returns the language-level object of an exception,
	// creating one for exceptions that originate from Go errors.
	ExceptionValue(exc *Exception) (Value, error)

	// MatchException reports whether exc matches the handler clause typ.
	MatchException(exc *Exception, typ Value) (bool, error)

	// Call invokes a callable that is not an engine function.
	Call(caller *Frame, callee Value, args []Value, kwargs []Keyword) (Value, error)

	// CallMethod looks up name on recv and calls it.
	CallMethod(caller *Frame, recv Value, name string, args []Value) (Value, error)

	// EnterContext enters the context manager mgr and returns the callable
	// to leave it with and the value bound by the with statement.
	EnterContext(caller *Frame, mgr Value) (exit, entered Value, err error)

	// ExitContext calls exit for mgr. exc is nil when the body completed
	// normally; suppress reports that exit swallowed exc.
	ExitContext(caller *Frame, exit, mgr Value, exc *Exception) (suppress bool, err error)

	// Send and Throw delegate to a sub-iterator that is not an engine
	// generator. done reports that the delegate returned result.
	Send(delegate Value, v Value) (result Value, done bool, err error)
	Throw(delegate Value, exc *Exception) (result Value, done bool, err error)
}

// Factory creates the object model's collection and function objects.
type Factory interface {
	// NewCollection builds a collection of kind from items. Dict and keyword
	// items alternate key and value.
	NewCollection(kind int, items []Value) (Value, error)

	// ExtendCollection appends items to coll and returns the result.
	ExtendCollection(kind int, coll Value, items []Value) (Value, error)

	// CollectionFrom builds a collection of kind from an iterable.
	CollectionFrom(kind int, iterable Value) (Value, error)

	// ExtendFromIterable appends every item of iterable to coll.
	ExtendFromIterable(kind int, coll Value, iterable Value) (Value, error)

	// AddToCollection adds one item (or one key and value) to coll and
	// returns the possibly replaced collection.
	AddToCollection(kind int, coll Value, items ...Value) (Value, error)

	// NewSlice builds a slice object; absent bounds are None.
	NewSlice(start, stop, step Value) (Value, error)

	// NewKeywords builds the mapping bound to a **kwargs parameter.
	NewKeywords(kws []Keyword) (Value, error)

	// NewFunction wraps an engine function as a language object.
	NewFunction(fn *Function) (Value, error)
}

// Namespace is a mutable mapping of names, used for globals, builtins and
// module-level locals.
type Namespace interface {
	Get(name string) (Value, bool)
	Set(name string, v Value)
	Delete(name string) bool
}

// MapNamespace is a Namespace safe for concurrent use.
type MapNamespace struct {
	mu   sync.RWMutex
	vars map[string]Value
}

// NewNamespace creates an empty namespace.
func NewNamespace() *MapNamespace {
	return &MapNamespace{vars: make(map[string]Value)}
}

func (n *MapNamespace) Get(name string) (Value, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vars[name]
	return v, ok
}

func (n *MapNamespace) Set(name string, v Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars[name] = v
}

func (n *MapNamespace) Delete(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.vars[name]
	delete(n.vars, name)
	return ok
}

// Names returns the bound names in no particular order.
func (n *MapNamespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.vars))
	for name := range n.vars {
		names = append(names, name)
	}
	return names
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// Function is an engine-executable closure: a code unit with its globals,
// default values and captured cells.
type Function struct {
	Code       *bytecode.CodeUnit
	Globals    Namespace
	Defaults   []Value
	KwDefaults []Keyword
	Closure    []*Cell
}

func (fn *Function) String() string {
	return fmt.Sprintf("<function %s>", fn.Code.Name)
}
