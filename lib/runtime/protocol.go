package runtime

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/vm"
)

// Protocol implements vm.Protocol over the reference object model.
type Protocol struct {
	rt *Runtime
}

var _ vm.Protocol = (*Protocol)(nil)

func (p *Protocol) Truth(v vm.Value) (bool, error) {
	switch {
	case v.IsBool():
		return v.AsBool(), nil
	case v.IsInt():
		return v.AsInt() != 0, nil
	case v.IsFloat():
		return v.AsFloat() != 0, nil
	case v.IsNone():
		return false, nil
	}
	if n, err := Len(v); err == nil {
		return n > 0, nil
	}
	return true, nil
}

func (p *Protocol) Next(iter vm.Value) (vm.Value, bool, error) {
	it, ok := iter.AsRef().(Iterator)
	if !ok {
		return vm.Value{}, false, typeError("'%s' object is not an iterator", TypeName(iter))
	}
	return it.Next()
}

func (p *Protocol) Unpack(seq vm.Value, n int) ([]vm.Value, error) {
	items, err := Items(seq)
	if err != nil {
		return nil, typeError("cannot unpack non-iterable %s object", TypeName(seq))
	}
	switch {
	case len(items) > n:
		return nil, valueError("too many values to unpack (expected %d)", n)
	case len(items) < n:
		return nil, valueError("not enough values to unpack (expected %d, got %d)", n, len(items))
	}
	return items, nil
}

func (p *Protocol) UnpackEx(seq vm.Value, before, after int) ([]vm.Value, vm.Value, []vm.Value, error) {
	items, err := Items(seq)
	if err != nil {
		return nil, vm.Value{}, nil, typeError("cannot unpack non-iterable %s object", TypeName(seq))
	}
	if len(items) < before+after {
		return nil, vm.Value{}, nil, valueError("not enough values to unpack (expected at least %d, got %d)",
			before+after, len(items))
	}
	rest := NewList(append([]vm.Value(nil), items[before:len(items)-after]...)...)
	return items[:before], vm.Ref(rest), items[len(items)-after:], nil
}

func (p *Protocol) Sequence(v vm.Value) ([]vm.Value, error) {
	items, err := Items(v)
	if err != nil {
		return nil, typeError("argument after * must be an iterable, not %s", TypeName(v))
	}
	return items, nil
}

func (p *Protocol) Keywords(v vm.Value) ([]vm.Keyword, error) {
	if v.IsNone() {
		return nil, nil
	}
	d, ok := v.AsRef().(*Dict)
	if !ok {
		return nil, typeError("argument after ** must be a mapping, not %s", TypeName(v))
	}
	kws := make([]vm.Keyword, d.Len())
	for i, k := range d.keys {
		name, ok := k.AsRef().(string)
		if !ok {
			return nil, typeError("keywords must be strings")
		}
		kws[i] = vm.Keyword{Name: name, Value: d.vals[i]}
	}
	return kws, nil
}

func (p *Protocol) Raise(v vm.Value) (*vm.Exception, error) {
	switch x := v.AsRef().(type) {
	case *ExceptionType:
		return vm.NewException(vm.Ref(x.New())), nil
	case *ExceptionObject:
		return vm.NewException(v), nil
	}
	return nil, typeError("exceptions must derive from BaseException")
}

// ExceptionValue creates the language object for exceptions raised from Go
// errors. The object is rebuilt on each call.
func (p *Protocol) ExceptionValue(exc *vm.Exception) (vm.Value, error) {
	if !exc.Value.IsEmpty() {
		return exc.Value, nil
	}
	typ := TypeOf(exc)
	if exc.Err == nil {
		return vm.Ref(typ.New()), nil
	}
	return vm.Ref(typ.New(vm.Ref(message(exc.Err)))), nil
}

func (p *Protocol) MatchException(exc *vm.Exception, typ vm.Value) (bool, error) {
	switch x := typ.AsRef().(type) {
	case *ExceptionType:
		return TypeOf(exc).IsSubtype(x), nil
	case *Tuple:
		for _, it := range x.Items {
			if ok, err := p.MatchException(exc, it); err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	return false, typeError("catching classes that do not inherit from BaseException is not allowed")
}

func (p *Protocol) Call(caller *vm.Frame, callee vm.Value, args []vm.Value, kwargs []vm.Keyword) (vm.Value, error) {
	switch x := callee.AsRef().(type) {
	case *Builtin:
		return x.Fn(p.rt, caller, args, kwargs)
	case *ExceptionType:
		if len(kwargs) > 0 {
			return vm.Value{}, typeError("%s() takes no keyword arguments", x.Name)
		}
		return vm.Ref(x.New(args...)), nil
	case *BoundMethod:
		if len(kwargs) > 0 {
			return vm.Value{}, typeError("%s() takes no keyword arguments", x.Name)
		}
		return p.CallMethod(caller, x.Recv, x.Name, args)
	}
	return vm.Value{}, typeError("'%s' object is not callable", TypeName(callee))
}

func (p *Protocol) CallMethod(caller *vm.Frame, recv vm.Value, name string, args []vm.Value) (vm.Value, error) {
	if m := p.rt.methods.lookup(recv, name); m != nil {
		if m.NumArgs >= 0 && len(args) != m.NumArgs {
			return vm.Value{}, typeError("%s.%s() takes %d arguments (%d given)", TypeName(recv), name, m.NumArgs, len(args))
		}
		return m.Impl(p.rt, caller, recv, args)
	}
	attr, err := p.rt.GetAttr(recv, name)
	if err != nil {
		return vm.Value{}, err
	}
	return p.rt.Engine.CallFrom(caller, attr, args, nil)
}

// EnterContext looks up __exit__ before calling __enter__, so a manager
// without an exit hook is never entered.
func (p *Protocol) EnterContext(caller *vm.Frame, mgr vm.Value) (vm.Value, vm.Value, error) {
	exit, err := p.rt.GetAttr(mgr, "__exit__")
	if err != nil {
		return vm.Value{}, vm.Value{}, typeError("'%s' object does not support the context manager protocol", TypeName(mgr))
	}
	entered, err := p.CallMethod(caller, mgr, "__enter__", nil)
	if err != nil {
		return vm.Value{}, vm.Value{}, err
	}
	return exit, entered, nil
}

// ExitContext calls exit with the exception's type, value and traceback,
// or three Nones when the block completed normally.
func (p *Protocol) ExitContext(caller *vm.Frame, exit, _ vm.Value, exc *vm.Exception) (bool, error) {
	args := []vm.Value{vm.None, vm.None, vm.None}
	if exc != nil {
		val, err := p.ExceptionValue(exc)
		if err != nil {
			return false, err
		}
		args[0], args[1] = vm.Ref(TypeOf(exc)), val
	}
	res, err := p.rt.Engine.CallFrom(caller, exit, args, nil)
	if err != nil || exc == nil {
		return false, err
	}
	return p.Truth(res)
}

// Send steps a plain iterator used as a delegate. Only None can be sent
// into one.
func (p *Protocol) Send(delegate vm.Value, v vm.Value) (vm.Value, bool, error) {
	if !v.IsNone() {
		return vm.Value{}, false, typeError("can't send non-None value to '%s'", TypeName(delegate))
	}
	item, ok, err := p.Next(delegate)
	if err != nil {
		return vm.Value{}, false, err
	}
	if !ok {
		return vm.None, true, nil
	}
	return item, false, nil
}

// Throw raises exc in the delegating frame; plain iterators cannot handle
// it.
func (p *Protocol) Throw(delegate vm.Value, exc *vm.Exception) (vm.Value, bool, error) {
	if _, ok := delegate.AsRef().(Iterator); !ok {
		return vm.Value{}, false, typeError("'%s' object is not an iterator", TypeName(delegate))
	}
	return vm.Value{}, false, exc
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

// GetAttr implements obj.name.
func (rt *Runtime) GetAttr(obj vm.Value, name string) (vm.Value, error) {
	switch x := obj.AsRef().(type) {
	case *Module:
		if v, ok := x.NS.Get(name); ok {
			return v, nil
		}
		return vm.Value{}, &ourError{ErrAttribute, fmt.Sprintf("module '%s' has no attribute '%s'", x.Name, name)}
	case *Object:
		if v, ok := x.Get(name); ok {
			return v, nil
		}
	case *ExceptionObject:
		if name == "args" {
			return vm.Ref(x.Args), nil
		}
	case *Slice:
		switch name {
		case "start":
			return x.Start, nil
		case "stop":
			return x.Stop, nil
		case "step":
			return x.Step, nil
		}
	}
	if rt.methods.lookup(obj, name) != nil {
		return vm.Ref(&BoundMethod{Recv: obj, Name: name}), nil
	}
	return vm.Value{}, attributeError(obj, name)
}

// SetAttr implements obj.name = v.
func (rt *Runtime) SetAttr(obj vm.Value, name string, v vm.Value) error {
	switch x := obj.AsRef().(type) {
	case *Object:
		x.Set(name, v)
		return nil
	case *Module:
		x.NS.Set(name, v)
		return nil
	}
	return attributeError(obj, name)
}

// DelAttr implements del obj.name.
func (rt *Runtime) DelAttr(obj vm.Value, name string) error {
	switch x := obj.AsRef().(type) {
	case *Object:
		if x.Delete(name) {
			return nil
		}
	case *Module:
		if x.NS.Delete(name) {
			return nil
		}
	}
	return attributeError(obj, name)
}

// asException extracts the in-flight exception from a value passed to a
// method such as generator.throw.
func (rt *Runtime) asException(v vm.Value) (*vm.Exception, error) {
	var exc *vm.Exception
	if err, ok := v.AsRef().(error); ok && errors.As(err, &exc) {
		return exc, nil
	}
	return rt.Protocol.Raise(v)
}
