package vm

import (
	"fmt"
	"testing"

	"github.com/chazu/strata/pkg/bytecode"
)

// Minimal object model for engine tests.

const (
	opAdd = iota
	opLess
	opLessEq
)

type list struct {
	kind  int
	items []Value
}

type sliceIter struct {
	items []Value
	pos   int
}

type native func(args []Value) (Value, error)

// object answers method calls by name.
type object map[string]native

// ctxManager records how a with block left it.
type ctxManager struct {
	entered  Value
	suppress bool
	exitErr  error
	exits    int
	exc      *Exception
}

type fakeProtocol struct{}

func (fakeProtocol) Truth(v Value) (bool, error) {
	if l, ok := v.AsRef().(*list); ok {
		return len(l.items) > 0, nil
	}
	return false, fmt.Errorf("%w: truth of %s", ErrNotImplemented, v)
}

func (fakeProtocol) Next(iter Value) (Value, bool, error) {
	it, ok := iter.AsRef().(*sliceIter)
	if !ok {
		return Value{}, false, fmt.Errorf("%s is not an iterator", iter)
	}
	if it.pos >= len(it.items) {
		return Value{}, false, nil
	}
	it.pos++
	return it.items[it.pos-1], true, nil
}

func (p fakeProtocol) Unpack(seq Value, n int) ([]Value, error) {
	items, err := p.Sequence(seq)
	if err != nil {
		return nil, err
	}
	if len(items) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(items))
	}
	return items, nil
}

func (p fakeProtocol) UnpackEx(seq Value, before, after int) ([]Value, Value, []Value, error) {
	items, err := p.Sequence(seq)
	if err != nil {
		return nil, Value{}, nil, err
	}
	if len(items) < before+after {
		return nil, Value{}, nil, fmt.Errorf("not enough values")
	}
	rest := append([]Value(nil), items[before:len(items)-after]...)
	return items[:before], Ref(&list{kind: bytecode.CollectionList, items: rest}), items[len(items)-after:], nil
}

func (fakeProtocol) Sequence(v Value) ([]Value, error) {
	if l, ok := v.AsRef().(*list); ok {
		return l.items, nil
	}
	return nil, fmt.Errorf("%s is not a sequence", v)
}

func (fakeProtocol) Keywords(v Value) ([]Keyword, error) {
	if kws, ok := v.AsRef().([]Keyword); ok {
		return kws, nil
	}
	return nil, fmt.Errorf("%s is not a keyword bag", v)
}

func (fakeProtocol) Raise(v Value) (*Exception, error) {
	return NewException(v), nil
}

func (fakeProtocol) ExceptionValue(exc *Exception) (Value, error) {
	if !exc.Value.IsEmpty() {
		return exc.Value, nil
	}
	return Ref(exc.Error()), nil
}

func (fakeProtocol) MatchException(exc *Exception, typ Value) (bool, error) {
	return Identical(exc.Value, typ), nil
}

func (fakeProtocol) Call(_ *Frame, callee Value, args []Value, _ []Keyword) (Value, error) {
	if fn, ok := callee.AsRef().(native); ok {
		return fn(args)
	}
	return Value{}, fmt.Errorf("%s is not callable", callee)
}

func (fakeProtocol) CallMethod(_ *Frame, recv Value, name string, args []Value) (Value, error) {
	if obj, ok := recv.AsRef().(object); ok {
		if fn, ok := obj[name]; ok {
			return fn(args)
		}
	}
	return Value{}, fmt.Errorf("%w: %s.%s", ErrNotImplemented, recv, name)
}

func (fakeProtocol) EnterContext(_ *Frame, mgr Value) (Value, Value, error) {
	c, ok := mgr.AsRef().(*ctxManager)
	if !ok {
		return Value{}, Value{}, fmt.Errorf("%s is not a context manager", mgr)
	}
	return Ref(c), c.entered, nil
}

func (fakeProtocol) ExitContext(_ *Frame, exit, _ Value, exc *Exception) (bool, error) {
	c := exit.AsRef().(*ctxManager)
	c.exits++
	c.exc = exc
	return c.suppress, c.exitErr
}

func (fakeProtocol) Send(Value, Value) (Value, bool, error) {
	return Value{}, false, ErrNotImplemented
}

func (fakeProtocol) Throw(Value, *Exception) (Value, bool, error) {
	return Value{}, false, ErrNotImplemented
}

type fakeFactory struct{}

func (fakeFactory) NewCollection(kind int, items []Value) (Value, error) {
	return Ref(&list{kind: kind, items: items}), nil
}

func (fakeFactory) ExtendCollection(_ int, coll Value, items []Value) (Value, error) {
	l := coll.AsRef().(*list)
	l.items = append(l.items, items...)
	return coll, nil
}

func (fakeFactory) CollectionFrom(kind int, iterable Value) (Value, error) {
	l := iterable.AsRef().(*list)
	return Ref(&list{kind: kind, items: append([]Value(nil), l.items...)}), nil
}

func (f fakeFactory) ExtendFromIterable(kind int, coll Value, iterable Value) (Value, error) {
	return f.ExtendCollection(kind, coll, iterable.AsRef().(*list).items)
}

func (fakeFactory) AddToCollection(_ int, coll Value, items ...Value) (Value, error) {
	l := coll.AsRef().(*list)
	l.items = append(l.items, items...)
	return coll, nil
}

func (fakeFactory) NewSlice(start, stop, step Value) (Value, error) {
	return Ref(&list{items: []Value{start, stop, step}}), nil
}

func (fakeFactory) NewKeywords(kws []Keyword) (Value, error) {
	return Ref(kws), nil
}

func (fakeFactory) NewFunction(fn *Function) (Value, error) {
	return Ref(fn), nil
}

func intOp(fn func(a, b int64) Value) OpHandler {
	return func(call *OpCall) (Value, error) {
		a, b := call.Operands[0], call.Operands[1]
		if !a.IsInt() || !b.IsInt() {
			return Value{}, fmt.Errorf("unsupported operands %s, %s", a, b)
		}
		return fn(a.AsInt(), b.AsInt()), nil
	}
}

func newTestEngine() *Engine {
	ops := NewOpTable()
	ops.Register(bytecode.OpBinaryOp, opAdd, intOp(func(a, b int64) Value { return Int(a + b) }))
	ops.Register(bytecode.OpBinaryOp, opLess, intOp(func(a, b int64) Value { return Bool(a < b) }))
	ops.Register(bytecode.OpBinaryOp, opLessEq, intOp(func(a, b int64) Value { return Bool(a <= b) }))
	ops.Register(bytecode.OpGetIter, 0, func(call *OpCall) (Value, error) {
		l, ok := call.Operands[0].AsRef().(*list)
		if !ok {
			return Value{}, fmt.Errorf("%s is not iterable", call.Operands[0])
		}
		return Ref(&sliceIter{items: l.items}), nil
	})
	return NewEngine(ops, fakeProtocol{}, fakeFactory{})
}

func build(t *testing.T, b *bytecode.Builder) *bytecode.CodeUnit {
	t.Helper()
	code, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return code
}

// sumLoop builds sum(n): total of 1..n with a while loop.
func sumLoop(t *testing.T) *bytecode.CodeUnit {
	b := bytecode.NewBuilder("sum").SetArgs(1, 0, 0)
	n := b.Local("n")
	total := b.Local("total")
	i := b.Local("i")

	b.LoadInt(0).Emit(bytecode.OpStoreFast, total)
	b.LoadInt(1).Emit(bytecode.OpStoreFast, i)
	head := b.Here()
	done := b.NewLabel()
	b.Emit(bytecode.OpLoadFast, i).Emit(bytecode.OpLoadFast, n).Emit(bytecode.OpBinaryOp, opLessEq)
	b.EmitJump(bytecode.OpPopAndJumpIfFalse, done)
	b.Emit(bytecode.OpLoadFast, total).Emit(bytecode.OpLoadFast, i).Emit(bytecode.OpBinaryOp, opAdd)
	b.Emit(bytecode.OpStoreFast, total)
	b.Emit(bytecode.OpLoadFast, i).LoadInt(1).Emit(bytecode.OpBinaryOp, opAdd)
	b.Emit(bytecode.OpStoreFast, i)
	b.EmitJump(bytecode.OpJumpBackward, head)
	b.Place(done)
	b.Emit(bytecode.OpLoadFast, total).Emit(bytecode.OpReturnValue)
	return build(t, b)
}

func call(t *testing.T, e *Engine, code *bytecode.CodeUnit, globals Namespace, args ...Value) (Value, error) {
	t.Helper()
	return e.Call(Ref(e.NewFunction(code, globals)), args, nil)
}
