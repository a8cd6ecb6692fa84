package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/strata/pkg/bytecode"
)

// arm executes one decoded instruction against the machine. Arms leave
// m.next alone to fall through and set it to branch.
type arm func(m *machine, in *bytecode.Instruction) error

var arms [256]arm

func init() {
	arms = [256]arm{
		bytecode.OpNop:      func(*machine, *bytecode.Instruction) error { return nil },
		bytecode.OpPopTop:   opPopTop,
		bytecode.OpRotTwo:   opRotTwo,
		bytecode.OpRotThree: opRotThree,
		bytecode.OpDupTop:   opDupTop,

		bytecode.OpLoadNone:   opLoadNone,
		bytecode.OpLoadTrue:   opLoadTrue,
		bytecode.OpLoadFalse:  opLoadFalse,
		bytecode.OpLoadByte:   opLoadByte,
		bytecode.OpLoadLong:   opLoadLong,
		bytecode.OpLoadDouble: opLoadDouble,
		bytecode.OpLoadConst:  opLoadConst,

		bytecode.OpLoadFast:         opLoadFast,
		bytecode.OpStoreFast:        opStoreFast,
		bytecode.OpDeleteFast:       opDeleteFast,
		bytecode.OpLoadClosure:      opLoadClosure,
		bytecode.OpClosureFromStack: opClosureFromStack,
		bytecode.OpLoadDeref:        opLoadDeref,
		bytecode.OpStoreDeref:       opStoreDeref,
		bytecode.OpDeleteDeref:      opDeleteDeref,

		bytecode.OpLoadGlobal:   opLoadGlobal,
		bytecode.OpStoreGlobal:  opStoreGlobal,
		bytecode.OpDeleteGlobal: opDeleteGlobal,
		bytecode.OpLoadName:     opLoadName,
		bytecode.OpStoreName:    opStoreName,
		bytecode.OpDeleteName:   opDeleteName,

		bytecode.OpLoadAttr:     delegated(1, true, true),
		bytecode.OpStoreAttr:    delegated(2, false, true),
		bytecode.OpDeleteAttr:   delegated(1, false, true),
		bytecode.OpBinarySubscr: delegated(2, true, false),
		bytecode.OpStoreSubscr:  delegated(3, false, false),
		bytecode.OpDeleteSubscr: delegated(2, false, false),
		bytecode.OpUnaryOp:      delegated(1, true, false),
		bytecode.OpBinaryOp:     delegated(2, true, false),
		bytecode.OpImportName:   delegated(2, true, true),
		bytecode.OpImportFrom:   opImportFrom,

		bytecode.OpBuildSlice:               opBuildSlice,
		bytecode.OpCollectionFromStack:      opCollectionFromStack,
		bytecode.OpCollectionAddStack:       opCollectionAddStack,
		bytecode.OpCollectionFromCollection: opCollectionFromCollection,
		bytecode.OpCollectionAddCollection:  opCollectionAddCollection,
		bytecode.OpAddToCollection:          opAddToCollection,
		bytecode.OpUnpackSequence:           opUnpackSequence,
		bytecode.OpUnpackEx:                 opUnpackEx,

		bytecode.OpJumpForward:       opJump,
		bytecode.OpJumpBackward:      opJump,
		bytecode.OpPopAndJumpIfFalse: opPopAndJumpIf(false),
		bytecode.OpPopAndJumpIfTrue:  opPopAndJumpIf(true),
		bytecode.OpJumpIfFalseOrPop:  opJumpIfOrPop(false),
		bytecode.OpJumpIfTrueOrPop:   opJumpIfOrPop(true),
		bytecode.OpGetIter:           opGetIter,
		bytecode.OpForIter:           opForIter,

		bytecode.OpCallFunction:        opCallFunction,
		bytecode.OpCallFunctionVarargs: opCallFunctionVarargs,
		bytecode.OpCallMethod:          opCallMethod,
		bytecode.OpMakeFunction:        opMakeFunction,
		bytecode.OpMakeKeyword:         opMakeKeyword,
		bytecode.OpCallFunctionKw:      opCallFunctionKw,
		bytecode.OpCallMethodVarargs:   opCallMethodVarargs,

		bytecode.OpRaiseVarargs:   opRaiseVarargs,
		bytecode.OpMatchExcOrJump: opMatchExcOrJump,
		bytecode.OpUnwrapExc:      opUnwrapExc,
		bytecode.OpPushExcInfo:    opPushExcInfo,
		bytecode.OpPopExcept:      opPopExcept,
		bytecode.OpEndExcHandler:  opEndExcHandler,
		bytecode.OpSetupWith:      opSetupWith,
		bytecode.OpExitWith:       opExitWith,

		bytecode.OpYieldValue:  opYieldValue,
		bytecode.OpResumeYield: opResumeYield,
		bytecode.OpSend:        opSend,
		bytecode.OpThrow:       opThrow,

		bytecode.OpReturnValue: opReturnValue,
	}
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func opPopTop(m *machine, _ *bytecode.Instruction) error {
	m.pop()
	return nil
}

func opRotTwo(m *machine, _ *bytecode.Instruction) error {
	s, t := m.stack, m.top
	s[t-1], s[t] = s[t], s[t-1]
	return nil
}

// a b c -> c a b
func opRotThree(m *machine, _ *bytecode.Instruction) error {
	s, t := m.stack, m.top
	s[t-2], s[t-1], s[t] = s[t], s[t-2], s[t-1]
	return nil
}

func opDupTop(m *machine, _ *bytecode.Instruction) error {
	m.push(m.peek())
	return nil
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func opLoadNone(m *machine, _ *bytecode.Instruction) error {
	m.push(None)
	return nil
}

func opLoadTrue(m *machine, _ *bytecode.Instruction) error {
	m.push(True)
	return nil
}

func opLoadFalse(m *machine, _ *bytecode.Instruction) error {
	m.push(False)
	return nil
}

func opLoadByte(m *machine, in *bytecode.Instruction) error {
	m.push(Int(int64(int8(in.Arg))))
	return nil
}

func opLoadLong(m *machine, in *bytecode.Instruction) error {
	m.push(Int(m.code.PrimitiveConstants[in.Arg]))
	return nil
}

func opLoadDouble(m *machine, in *bytecode.Instruction) error {
	m.push(Float(math.Float64frombits(uint64(m.code.PrimitiveConstants[in.Arg]))))
	return nil
}

func opLoadConst(m *machine, in *bytecode.Instruction) error {
	m.push(FromGo(m.code.Constants[in.Arg]))
	return nil
}

// ---------------------------------------------------------------------------
// Locals and cells
// ---------------------------------------------------------------------------

func opLoadFast(m *machine, in *bytecode.Instruction) error {
	v := m.lf.Slots[in.Arg]
	if v.IsEmpty() {
		return unboundLocal(m.code.VarNames[in.Arg])
	}
	m.push(v)
	return nil
}

func opStoreFast(m *machine, in *bytecode.Instruction) error {
	m.lf.Slots[in.Arg] = m.pop()
	return nil
}

func opDeleteFast(m *machine, in *bytecode.Instruction) error {
	if m.lf.Slots[in.Arg].IsEmpty() {
		return unboundLocal(m.code.VarNames[in.Arg])
	}
	m.lf.Slots[in.Arg] = Value{}
	return nil
}

func opLoadClosure(m *machine, in *bytecode.Instruction) error {
	m.push(Ref(m.lf.Cell(in.Arg)))
	return nil
}

func opClosureFromStack(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(in.Arg)
	cells := make(CellTuple, len(vals))
	for i, v := range vals {
		c, ok := v.AsRef().(*Cell)
		if !ok {
			return fmt.Errorf("%w: closure item %d is %s, not a cell", ErrArgument, i, v)
		}
		cells[i] = c
	}
	m.push(Ref(cells))
	return nil
}

func unboundCell(m *machine, idx int) error {
	name, free := m.code.CellName(idx)
	if free {
		return unboundFree(name)
	}
	return unboundLocal(name)
}

func opLoadDeref(m *machine, in *bytecode.Instruction) error {
	v, ok := m.lf.Cell(in.Arg).Get()
	if !ok {
		return unboundCell(m, in.Arg)
	}
	m.push(v)
	return nil
}

func opStoreDeref(m *machine, in *bytecode.Instruction) error {
	m.lf.Cell(in.Arg).Set(m.pop())
	return nil
}

func opDeleteDeref(m *machine, in *bytecode.Instruction) error {
	if !m.lf.Cell(in.Arg).Clear() {
		return unboundCell(m, in.Arg)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Names
// ---------------------------------------------------------------------------

func (m *machine) lookupGlobal(name string) (Value, error) {
	if v, ok := m.lf.Globals.Get(name); ok {
		return v, nil
	}
	if m.e.Builtins != nil {
		if v, ok := m.e.Builtins.Get(name); ok {
			return v, nil
		}
	}
	return Value{}, notDefined(name)
}

func opLoadGlobal(m *machine, in *bytecode.Instruction) error {
	v, err := m.lookupGlobal(m.code.Names[in.Arg])
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opStoreGlobal(m *machine, in *bytecode.Instruction) error {
	m.lf.Globals.Set(m.code.Names[in.Arg], m.pop())
	return nil
}

func opDeleteGlobal(m *machine, in *bytecode.Instruction) error {
	name := m.code.Names[in.Arg]
	if !m.lf.Globals.Delete(name) {
		return notDefined(name)
	}
	return nil
}

func opLoadName(m *machine, in *bytecode.Instruction) error {
	name := m.code.Names[in.Arg]
	if m.lf.Locals != nil {
		if v, ok := m.lf.Locals.Get(name); ok {
			m.push(v)
			return nil
		}
	}
	v, err := m.lookupGlobal(name)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opStoreName(m *machine, in *bytecode.Instruction) error {
	ns := m.lf.Locals
	if ns == nil {
		ns = m.lf.Globals
	}
	ns.Set(m.code.Names[in.Arg], m.pop())
	return nil
}

func opDeleteName(m *machine, in *bytecode.Instruction) error {
	ns := m.lf.Locals
	if ns == nil {
		ns = m.lf.Globals
	}
	name := m.code.Names[in.Arg]
	if !ns.Delete(name) {
		return notDefined(name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Delegated operations
// ---------------------------------------------------------------------------

// delegate runs the registered handler for in with operands in push order.
func (m *machine) delegate(in *bytecode.Instruction, name string, operands []Value) (Value, error) {
	sub := 0
	if in.Op == bytecode.OpUnaryOp || in.Op == bytecode.OpBinaryOp {
		sub = in.Arg
	}
	var h OpHandler
	ok := false
	if m.e.Ops != nil {
		h, ok = m.e.Ops.Lookup(in.Op, sub)
	}
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrNotImplemented, OpKey{Op: in.Op, Sub: sub})
	}
	return h(&OpCall{
		Engine:   m.e,
		Frame:    m.lf,
		PC:       in.Start,
		Arg:      in.Arg,
		Name:     name,
		Operands: operands,
	})
}

// delegated builds an arm that pops n operands, hands them to the op table
// and optionally pushes the result.
func delegated(n int, pushes, named bool) arm {
	return func(m *machine, in *bytecode.Instruction) error {
		name := ""
		if named {
			name = m.code.Names[in.Arg]
		}
		v, err := m.delegate(in, name, m.popN(n))
		if err != nil {
			return err
		}
		if pushes {
			m.push(v)
		}
		return nil
	}
}

func opImportFrom(m *machine, in *bytecode.Instruction) error {
	v, err := m.delegate(in, m.code.Names[in.Arg], []Value{m.peek()})
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

func opBuildSlice(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(in.Arg)
	step := None
	if len(vals) == 3 {
		step = vals[2]
	} else if len(vals) != 2 {
		return fmt.Errorf("%w: BUILD_SLICE with %d bounds", ErrArgument, len(vals))
	}
	v, err := m.e.Factory.NewSlice(vals[0], vals[1], step)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCollectionFromStack(m *machine, in *bytecode.Instruction) error {
	items := m.popN(bytecode.CollectionCount(in.Arg))
	v, err := m.e.Factory.NewCollection(bytecode.CollectionKind(in.Arg), items)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCollectionAddStack(m *machine, in *bytecode.Instruction) error {
	items := m.popN(bytecode.CollectionCount(in.Arg))
	coll := m.pop()
	v, err := m.e.Factory.ExtendCollection(bytecode.CollectionKind(in.Arg), coll, items)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCollectionFromCollection(m *machine, in *bytecode.Instruction) error {
	v, err := m.e.Factory.CollectionFrom(in.Arg, m.pop())
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCollectionAddCollection(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(2)
	v, err := m.e.Factory.ExtendFromIterable(in.Arg, vals[0], vals[1])
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

// opAddToCollection adds the popped item to the collection found depth
// slots below the new top (depth 1 is the top itself).
func opAddToCollection(m *machine, in *bytecode.Instruction) error {
	kind := bytecode.CollectionKind(in.Arg)
	n := 1
	if kind == bytecode.CollectionDict {
		n = 2
	}
	items := m.popN(n)
	idx := m.top - bytecode.CollectionCount(in.Arg) + 1
	if idx < 0 || idx > m.top {
		return fmt.Errorf("%w: collection depth %d with stack top %d", ErrArgument, bytecode.CollectionCount(in.Arg), m.top)
	}
	v, err := m.e.Factory.AddToCollection(kind, m.stack[idx], items...)
	if err != nil {
		return err
	}
	m.stack[idx] = v
	return nil
}

func opUnpackSequence(m *machine, in *bytecode.Instruction) error {
	items, err := m.e.Protocol.Unpack(m.pop(), in.Arg)
	if err != nil {
		return err
	}
	if len(items) != in.Arg {
		return fmt.Errorf("%w: expected %d values to unpack, got %d", ErrArgument, in.Arg, len(items))
	}
	for i := len(items) - 1; i >= 0; i-- {
		m.push(items[i])
	}
	return nil
}

func opUnpackEx(m *machine, in *bytecode.Instruction) error {
	head, rest, tail, err := m.e.Protocol.UnpackEx(m.pop(), in.Arg, in.Arg2)
	if err != nil {
		return err
	}
	if len(head) != in.Arg || len(tail) != in.Arg2 {
		return fmt.Errorf("%w: unpack produced %d+%d values, want %d+%d", ErrArgument, len(head), len(tail), in.Arg, in.Arg2)
	}
	for i := len(tail) - 1; i >= 0; i-- {
		m.push(tail[i])
	}
	m.push(rest)
	for i := len(head) - 1; i >= 0; i-- {
		m.push(head[i])
	}
	return nil
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (m *machine) truth(v Value) (bool, error) {
	switch {
	case v.IsBool():
		return v.AsBool(), nil
	case v.IsInt():
		return v.AsInt() != 0, nil
	case v.IsNone():
		return false, nil
	}
	return m.e.Protocol.Truth(v)
}

func opJump(m *machine, in *bytecode.Instruction) error {
	m.next = in.Target()
	return nil
}

func opPopAndJumpIf(want bool) arm {
	return func(m *machine, in *bytecode.Instruction) error {
		t, err := m.truth(m.pop())
		if err != nil {
			return err
		}
		if t == want {
			m.next = in.Target()
		}
		return nil
	}
}

func opJumpIfOrPop(want bool) arm {
	return func(m *machine, in *bytecode.Instruction) error {
		t, err := m.truth(m.peek())
		if err != nil {
			return err
		}
		if t == want {
			m.next = in.Target()
		} else {
			m.pop()
		}
		return nil
	}
}

func opGetIter(m *machine, in *bytecode.Instruction) error {
	v := m.pop()
	if _, ok := v.AsRef().(*Generator); ok {
		m.push(v)
		return nil
	}
	it, err := m.delegate(in, "", []Value{v})
	if err != nil {
		return err
	}
	m.push(it)
	return nil
}

func opForIter(m *machine, in *bytecode.Instruction) error {
	it := m.peek()
	var (
		item Value
		more bool
		err  error
	)
	if g, ok := it.AsRef().(*Generator); ok {
		var done bool
		item, done, err = g.resume(m.lf, nil, None, nil)
		if errors.Is(err, ErrGeneratorExhausted) {
			done, err = true, nil
		}
		more = !done
	} else {
		item, more, err = m.e.Protocol.Next(it)
	}
	if err != nil {
		return err
	}
	if !more {
		m.pop()
		m.next = in.Target()
		return nil
	}
	m.push(item)
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func opCallFunction(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(in.Arg + 1)
	v, err := m.e.CallFrom(m.lf, vals[0], vals[1:], nil)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCallFunctionVarargs(m *machine, _ *bytecode.Instruction) error {
	vals := m.popN(3)
	args, err := m.e.Protocol.Sequence(vals[1])
	if err != nil {
		return err
	}
	var kwargs []Keyword
	if !vals[2].IsNone() {
		if kwargs, err = m.e.Protocol.Keywords(vals[2]); err != nil {
			return err
		}
	}
	v, err := m.e.CallFrom(m.lf, vals[0], args, kwargs)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCallMethod(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(in.Arg2 + 1)
	v, err := m.e.Protocol.CallMethod(m.lf, vals[0], m.code.Names[in.Arg], vals[1:])
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func opCallMethodVarargs(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(2)
	args, err := m.e.Protocol.Sequence(vals[1])
	if err != nil {
		return err
	}
	v, err := m.e.Protocol.CallMethod(m.lf, vals[0], m.code.Names[in.Arg], args)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

// opMakeKeyword wraps the top value as a keyword argument for
// CALL_FUNCTION_KW.
func opMakeKeyword(m *machine, in *bytecode.Instruction) error {
	v := m.pop()
	m.push(Ref(&Keyword{Name: m.code.Names[in.Arg], Value: v}))
	return nil
}

// opCallFunctionKw pops argc positional values followed by kwc keywords
// made by MAKE_KEYWORD.
func opCallFunctionKw(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(in.Arg + in.Arg2 + 1)
	args := vals[1 : in.Arg+1]
	var kwargs []Keyword
	if in.Arg2 > 0 {
		kwargs = make([]Keyword, in.Arg2)
		for i, v := range vals[in.Arg+1:] {
			kw, ok := v.AsRef().(*Keyword)
			if !ok {
				return fmt.Errorf("%w: CALL_FUNCTION_KW operand %d is not a keyword", ErrArgument, i)
			}
			kwargs[i] = *kw
		}
	}
	v, err := m.e.CallFrom(m.lf, vals[0], args, kwargs)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

// opMakeFunction pops the optional closure, keyword defaults and defaults
// (pushed in the reverse order) and wraps the nested code unit.
func opMakeFunction(m *machine, in *bytecode.Instruction) error {
	code, ok := m.code.Constants[in.Arg].(*bytecode.CodeUnit)
	if !ok {
		return fmt.Errorf("%w: constant %d is not a code unit", ErrArgument, in.Arg)
	}
	fn := &Function{Code: code, Globals: m.lf.Globals}
	if in.Arg2&bytecode.FunctionHasClosure != 0 {
		cells, ok := m.pop().AsRef().(CellTuple)
		if !ok {
			return fmt.Errorf("%w: closure of %s is not a cell tuple", ErrArgument, code.Name)
		}
		fn.Closure = cells
	}
	if in.Arg2&bytecode.FunctionHasKwDefaults != 0 {
		kws, err := m.e.Protocol.Keywords(m.pop())
		if err != nil {
			return err
		}
		fn.KwDefaults = kws
	}
	if in.Arg2&bytecode.FunctionHasDefaults != 0 {
		defs, err := m.e.Protocol.Sequence(m.pop())
		if err != nil {
			return err
		}
		fn.Defaults = defs
	}
	v, err := m.e.Factory.NewFunction(fn)
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func asException(v Value) (*Exception, bool) {
	exc, ok := v.AsRef().(*Exception)
	return exc, ok
}

func (m *machine) toException(v Value) (*Exception, error) {
	if exc, ok := asException(v); ok {
		return exc, nil
	}
	return m.e.Protocol.Raise(v)
}

func opRaiseVarargs(m *machine, in *bytecode.Instruction) error {
	switch in.Arg {
	case 0:
		if exc := m.lf.HandledException(); exc != nil {
			return exc
		}
		return ErrNoActiveException
	case 1:
		exc, err := m.toException(m.pop())
		if err != nil {
			return err
		}
		return exc
	case 2:
		vals := m.popN(2)
		exc, err := m.toException(vals[0])
		if err != nil {
			return err
		}
		if vals[1].IsNone() {
			exc.SetCause(nil)
			return exc
		}
		cause, err := m.toException(vals[1])
		if err != nil {
			return err
		}
		exc.SetCause(cause)
		return exc
	}
	return fmt.Errorf("%w: RAISE_VARARGS with %d operands", ErrArgument, in.Arg)
}

func opMatchExcOrJump(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(2)
	exc, ok := asException(vals[0])
	if !ok {
		return fmt.Errorf("%w: no exception in flight at handler", ErrArgument)
	}
	match, err := m.e.Protocol.MatchException(exc, vals[1])
	if err != nil {
		return err
	}
	m.push(vals[0])
	if !match {
		m.next = in.Target()
	}
	return nil
}

func opUnwrapExc(m *machine, _ *bytecode.Instruction) error {
	v := m.pop()
	if exc, ok := asException(v); ok {
		val, err := m.e.Protocol.ExceptionValue(exc)
		if err != nil {
			return err
		}
		v = val
	}
	m.push(v)
	return nil
}

func opPushExcInfo(m *machine, _ *bytecode.Instruction) error {
	v := m.pop()
	exc, ok := asException(v)
	if !ok {
		return fmt.Errorf("%w: PUSH_EXC_INFO without an exception", ErrArgument)
	}
	saved := None
	if m.lf.handled != nil {
		saved = Ref(m.lf.handled)
	}
	m.lf.handled = exc
	m.push(saved)
	m.push(v)
	return nil
}

func (m *machine) restoreHandled(saved Value) {
	m.lf.handled, _ = asException(saved)
}

func opPopExcept(m *machine, _ *bytecode.Instruction) error {
	m.restoreHandled(m.pop())
	return nil
}

func opEndExcHandler(m *machine, _ *bytecode.Instruction) error {
	vals := m.popN(2)
	m.restoreHandled(vals[0])
	exc, err := m.toException(vals[1])
	if err != nil {
		return err
	}
	return exc
}

// opSetupWith enters a context manager. The exit callable and the manager
// stay below the entered value until EXIT_WITH.
func opSetupWith(m *machine, _ *bytecode.Instruction) error {
	mgr := m.pop()
	exit, entered, err := m.e.Protocol.EnterContext(m.lf, mgr)
	if err != nil {
		return err
	}
	m.push(exit)
	m.push(mgr)
	m.push(entered)
	return nil
}

// opExitWith leaves a context manager. The body's handler reaches it with
// the exception on top; the normal path pushes None first. An exception is
// re-raised unless exit suppresses it, and an error from exit itself is
// chained onto the exception it interrupted.
func opExitWith(m *machine, _ *bytecode.Instruction) error {
	vals := m.popN(3)
	exc, _ := asException(vals[2])
	suppress, err := m.e.Protocol.ExitContext(m.lf, vals[0], vals[1], exc)
	if err != nil {
		if exc != nil {
			w := WrapError(err)
			w.chain(exc)
			return w
		}
		return err
	}
	if exc != nil && !suppress {
		return exc
	}
	return nil
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

func opYieldValue(m *machine, _ *bytecode.Instruction) error {
	if !m.lf.Layout.Generator() {
		return fmt.Errorf("%w: yield in non-generator %s", ErrNotImplemented, m.code.Name)
	}
	m.result = m.pop()
	m.exit = exitYield
	return nil
}

func opResumeYield(m *machine, _ *bytecode.Instruction) error {
	if exc := m.thrown; exc != nil {
		m.thrown = nil
		return exc
	}
	v := m.sent
	if v.IsEmpty() {
		v = None
	}
	m.sent = Value{}
	m.push(v)
	return nil
}

// delegation finishes SEND and THROW: while the delegate yields, keep it on
// the stack under the yielded value; once it returns, leave its result and
// branch.
func (m *machine) delegation(in *bytecode.Instruction, obj, result Value, done bool, err error) error {
	if err != nil {
		return err
	}
	if done {
		m.push(result)
		m.next = in.Target()
		return nil
	}
	m.push(obj)
	m.push(result)
	return nil
}

func opSend(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(2)
	obj := vals[0]
	if g, ok := obj.AsRef().(*Generator); ok {
		v, done, err := g.resume(m.lf, nil, vals[1], nil)
		return m.delegation(in, obj, v, done, err)
	}
	v, done, err := m.e.Protocol.Send(obj, vals[1])
	return m.delegation(in, obj, v, done, err)
}

func opThrow(m *machine, in *bytecode.Instruction) error {
	vals := m.popN(2)
	obj := vals[0]
	exc, err := m.toException(vals[1])
	if err != nil {
		return err
	}
	if g, ok := obj.AsRef().(*Generator); ok {
		v, done, err := g.resume(m.lf, nil, Value{}, exc)
		return m.delegation(in, obj, v, done, err)
	}
	v, done, err := m.e.Protocol.Throw(obj, exc)
	return m.delegation(in, obj, v, done, err)
}

// ---------------------------------------------------------------------------
// Return
// ---------------------------------------------------------------------------

func opReturnValue(m *machine, _ *bytecode.Instruction) error {
	m.result = m.pop()
	m.exit = exitReturn
	return nil
}
