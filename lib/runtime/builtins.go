package runtime

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/vm"
)

// positional wraps a builtin that takes between lo and hi positional
// arguments and no keywords.
func positional(name string, lo, hi int, fn func(rt *Runtime, caller *vm.Frame, args []vm.Value) (vm.Value, error)) *Builtin {
	return &Builtin{Name: name, Fn: func(rt *Runtime, caller *vm.Frame, args []vm.Value, kwargs []vm.Keyword) (vm.Value, error) {
		if len(kwargs) > 0 {
			return vm.Value{}, typeError("%s() takes no keyword arguments", name)
		}
		if len(args) < lo || len(args) > hi {
			if lo == hi {
				return vm.Value{}, typeError("%s() takes exactly %d arguments (%d given)", name, lo, len(args))
			}
			return vm.Value{}, typeError("%s() takes %d to %d arguments (%d given)", name, lo, hi, len(args))
		}
		return fn(rt, caller, args)
	}}
}

func (rt *Runtime) builtins() []*Builtin {
	return []*Builtin{
		{Name: "print", Fn: builtinPrint},
		{Name: "namespace", Fn: builtinNamespace},
		positional("len", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			n, err := Len(args[0])
			return vm.Int(int64(n)), err
		}),
		positional("range", 1, 3, builtinRange),
		positional("repr", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			return vm.Ref(Repr(args[0])), nil
		}),
		positional("str", 0, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			if len(args) == 0 {
				return vm.Ref(""), nil
			}
			return vm.Ref(Str(args[0])), nil
		}),
		positional("int", 0, 1, builtinInt),
		positional("float", 0, 1, builtinFloat),
		positional("bool", 0, 1, func(rt *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			if len(args) == 0 {
				return vm.False, nil
			}
			t, err := rt.Protocol.Truth(args[0])
			return vm.Bool(t), err
		}),
		positional("abs", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			v := args[0]
			switch {
			case isIntegral(v):
				return vm.Int(max(asInt(v), -asInt(v))), nil
			case v.IsFloat():
				return vm.Float(math.Abs(v.AsFloat())), nil
			}
			return vm.Value{}, typeError("bad operand type for abs(): '%s'", TypeName(v))
		}),
		collectionBuiltin("list", bytecode.CollectionList),
		collectionBuiltin("tuple", bytecode.CollectionTuple),
		collectionBuiltin("set", bytecode.CollectionSet),
		collectionBuiltin("dict", bytecode.CollectionDict),
		positional("min", 1, 1, extremum(-1)),
		positional("max", 1, 1, extremum(1)),
		positional("sum", 1, 2, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			items, err := Items(args[0])
			if err != nil {
				return vm.Value{}, err
			}
			total := vm.Int(0)
			if len(args) == 2 {
				total = args[1]
			}
			for _, it := range items {
				if total, err = Binary(BinaryAdd, total, it); err != nil {
					return vm.Value{}, err
				}
			}
			return total, nil
		}),
		positional("sorted", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			items, err := Items(args[0])
			if err != nil {
				return vm.Value{}, err
			}
			return vm.Ref(NewList(items...)), sortValues(items)
		}),
		positional("iter", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			return Iter(args[0])
		}),
		positional("next", 1, 2, func(rt *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			v, ok, err := rt.Protocol.Next(args[0])
			if err != nil || ok {
				return v, err
			}
			if len(args) == 2 {
				return args[1], nil
			}
			return vm.Value{}, vm.NewException(vm.Ref(StopIteration.New()))
		}),
		positional("isinstance", 2, 2, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			typ, ok := args[1].AsRef().(*ExceptionType)
			if !ok {
				return vm.Value{}, typeError("isinstance() arg 2 must be an exception type")
			}
			obj, ok := args[0].AsRef().(*ExceptionObject)
			return vm.Bool(ok && obj.Type.IsSubtype(typ)), nil
		}),
		positional("type", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			return vm.Ref(TypeName(args[0])), nil
		}),
	}
}

func builtinPrint(rt *Runtime, _ *vm.Frame, args []vm.Value, kwargs []vm.Keyword) (vm.Value, error) {
	sep, end := " ", "\n"
	for _, kw := range kwargs {
		s, ok := kw.Value.AsRef().(string)
		if !ok && !kw.Value.IsNone() {
			return vm.Value{}, typeError("%s must be None or a string, not %s", kw.Name, TypeName(kw.Value))
		}
		switch kw.Name {
		case "sep":
			if ok {
				sep = s
			}
		case "end":
			if ok {
				end = s
			}
		default:
			return vm.Value{}, typeError("'%s' is an invalid keyword argument for print()", kw.Name)
		}
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Str(a)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, err := fmt.Fprint(rt.stdout, strings.Join(parts, sep)+end)
	return vm.None, err
}

func builtinNamespace(_ *Runtime, _ *vm.Frame, args []vm.Value, kwargs []vm.Keyword) (vm.Value, error) {
	if len(args) > 0 {
		return vm.Value{}, typeError("namespace() takes no positional arguments")
	}
	o := NewObject()
	for _, kw := range kwargs {
		o.Set(kw.Name, kw.Value)
	}
	return vm.Ref(o), nil
}

func builtinRange(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
	bounds := make([]int64, len(args))
	for i, a := range args {
		if !isIntegral(a) {
			return vm.Value{}, typeError("'%s' object cannot be interpreted as an integer", TypeName(a))
		}
		bounds[i] = asInt(a)
	}
	r := &Range{Step: 1}
	switch len(bounds) {
	case 1:
		r.Stop = bounds[0]
	case 2:
		r.Start, r.Stop = bounds[0], bounds[1]
	case 3:
		r.Start, r.Stop, r.Step = bounds[0], bounds[1], bounds[2]
		if r.Step == 0 {
			return vm.Value{}, valueError("range() arg 3 must not be zero")
		}
	}
	return vm.Ref(r), nil
}

func builtinInt(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
	if len(args) == 0 {
		return vm.Int(0), nil
	}
	v := args[0]
	switch {
	case isIntegral(v):
		return vm.Int(asInt(v)), nil
	case v.IsFloat():
		return vm.Int(int64(math.Trunc(v.AsFloat()))), nil
	}
	if s, ok := v.AsRef().(string); ok {
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return vm.Value{}, valueError("invalid literal for int() with base 10: %s", Repr(v))
		}
		return vm.Int(i), nil
	}
	return vm.Value{}, typeError("int() argument must be a string or a number, not '%s'", TypeName(v))
}

func builtinFloat(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
	if len(args) == 0 {
		return vm.Float(0), nil
	}
	v := args[0]
	if isNumber(v) {
		return vm.Float(asFloat(v)), nil
	}
	if s, ok := v.AsRef().(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return vm.Value{}, valueError("could not convert string to float: %s", Repr(v))
		}
		return vm.Float(f), nil
	}
	return vm.Value{}, typeError("float() argument must be a string or a number, not '%s'", TypeName(v))
}

func collectionBuiltin(name string, kind int) *Builtin {
	return positional(name, 0, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
		var f Factory
		if len(args) == 0 {
			return f.NewCollection(kind, nil)
		}
		return f.CollectionFrom(kind, args[0])
	})
}

func extremum(sign int) func(*Runtime, *vm.Frame, []vm.Value) (vm.Value, error) {
	return func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
		items, err := Items(args[0])
		if err != nil {
			return vm.Value{}, err
		}
		if len(items) == 0 {
			return vm.Value{}, valueError("arg is an empty sequence")
		}
		best := items[0]
		for _, it := range items[1:] {
			c, err := Compare(it, best)
			if err != nil {
				return vm.Value{}, err
			}
			if c*sign > 0 {
				best = it
			}
		}
		return best, nil
	}
}

// mathModule is the importable math module.
func mathModule() *Module {
	m := NewModule("math")
	m.NS.Set("pi", vm.Float(math.Pi))
	m.NS.Set("e", vm.Float(math.E))
	unary := func(name string, fn func(float64) float64) {
		m.NS.Set(name, vm.Ref(positional(name, 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
			if !isNumber(args[0]) {
				return vm.Value{}, typeError("must be real number, not %s", TypeName(args[0]))
			}
			return vm.Float(fn(asFloat(args[0]))), nil
		})))
	}
	unary("sqrt", math.Sqrt)
	unary("sin", math.Sin)
	unary("cos", math.Cos)
	m.NS.Set("floor", vm.Ref(positional("floor", 1, 1, func(_ *Runtime, _ *vm.Frame, args []vm.Value) (vm.Value, error) {
		if isIntegral(args[0]) {
			return vm.Int(asInt(args[0])), nil
		}
		if !args[0].IsFloat() {
			return vm.Value{}, typeError("must be real number, not %s", TypeName(args[0]))
		}
		return vm.Int(int64(math.Floor(args[0].AsFloat()))), nil
	})))
	return m
}
