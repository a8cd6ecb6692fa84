package runtime

import (
	"sort"
	"strings"

	"github.com/chazu/strata/vm"
)

// MethodFunc is the signature of a native method.
type MethodFunc func(rt *Runtime, caller *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error)

// MethodEntry describes one method. NumArgs is -1 for variadic methods.
type MethodEntry struct {
	Name    string
	Impl    MethodFunc
	NumArgs int
}

// MethodTable holds the methods of one type.
type MethodTable map[string]*MethodEntry

// Add registers a method.
func (mt MethodTable) Add(name string, numArgs int, impl MethodFunc) {
	mt[name] = &MethodEntry{Name: name, Impl: impl, NumArgs: numArgs}
}

// methodTables holds the method tables by type name.
type methodTables map[string]MethodTable

func (t methodTables) lookup(recv vm.Value, name string) *MethodEntry {
	return t[TypeName(recv)][name]
}

func newMethodTables() methodTables {
	return methodTables{
		"list":      listMethods(),
		"dict":      dictMethods(),
		"set":       setMethods(),
		"str":       strMethods(),
		"generator": generatorMethods(),
	}
}

func listMethods() MethodTable {
	mt := MethodTable{}
	mt.Add("append", 1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		l := self.AsRef().(*List)
		l.Items = append(l.Items, args[0])
		return vm.None, nil
	})
	mt.Add("extend", 1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		items, err := Items(args[0])
		if err != nil {
			return vm.Value{}, err
		}
		l := self.AsRef().(*List)
		l.Items = append(l.Items, items...)
		return vm.None, nil
	})
	mt.Add("pop", -1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		l := self.AsRef().(*List)
		if len(l.Items) == 0 {
			return vm.Value{}, indexError("pop from empty list")
		}
		at := vm.Int(-1)
		if len(args) > 0 {
			at = args[0]
		}
		i, err := index(at, len(l.Items), "pop")
		if err != nil {
			return vm.Value{}, err
		}
		v := l.Items[i]
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
		return v, nil
	})
	mt.Add("index", 1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		for i, it := range self.AsRef().(*List).Items {
			if eq, err := Equal(it, args[0]); err != nil || eq {
				return vm.Int(int64(i)), err
			}
		}
		return vm.Value{}, valueError("%s is not in list", Repr(args[0]))
	})
	mt.Add("sort", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		return vm.None, sortValues(self.AsRef().(*List).Items)
	})
	return mt
}

func dictMethods() MethodTable {
	mt := MethodTable{}
	mt.Add("get", -1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		if len(args) == 0 || len(args) > 2 {
			return vm.Value{}, typeError("get expected 1 or 2 arguments, got %d", len(args))
		}
		v, ok, err := self.AsRef().(*Dict).Get(args[0])
		if err != nil || ok {
			return v, err
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return vm.None, nil
	})
	mt.Add("keys", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		return vm.Ref(NewList(self.AsRef().(*Dict).Keys()...)), nil
	})
	mt.Add("values", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		return vm.Ref(NewList(self.AsRef().(*Dict).Values()...)), nil
	})
	mt.Add("items", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		d := self.AsRef().(*Dict)
		items := make([]vm.Value, d.Len())
		for i := range d.keys {
			items[i] = vm.Ref(NewTuple(d.keys[i], d.vals[i]))
		}
		return vm.Ref(NewList(items...)), nil
	})
	return mt
}

func setMethods() MethodTable {
	mt := MethodTable{}
	mt.Add("add", 1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		return vm.None, self.AsRef().(*Set).Add(args[0])
	})
	return mt
}

func strMethods() MethodTable {
	mt := MethodTable{}
	mt.Add("upper", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		return vm.Ref(strings.ToUpper(self.AsRef().(string))), nil
	})
	mt.Add("lower", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		return vm.Ref(strings.ToLower(self.AsRef().(string))), nil
	})
	mt.Add("join", 1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		items, err := Items(args[0])
		if err != nil {
			return vm.Value{}, err
		}
		parts := make([]string, len(items))
		for i, it := range items {
			s, ok := it.AsRef().(string)
			if !ok {
				return vm.Value{}, typeError("sequence item %d: expected str instance, %s found", i, TypeName(it))
			}
			parts[i] = s
		}
		return vm.Ref(strings.Join(parts, self.AsRef().(string))), nil
	})
	mt.Add("split", -1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		s := self.AsRef().(string)
		var parts []string
		if len(args) == 0 {
			parts = strings.Fields(s)
		} else {
			sep, ok := args[0].AsRef().(string)
			if !ok || sep == "" {
				return vm.Value{}, valueError("empty or non-string separator")
			}
			parts = strings.Split(s, sep)
		}
		items := make([]vm.Value, len(parts))
		for i, p := range parts {
			items[i] = vm.Ref(p)
		}
		return vm.Ref(NewList(items...)), nil
	})
	return mt
}

func generatorMethods() MethodTable {
	mt := MethodTable{}
	mt.Add("send", 1, func(_ *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		v, done, err := self.AsRef().(*vm.Generator).Send(args[0])
		if err != nil {
			return vm.Value{}, err
		}
		if done {
			return vm.Value{}, vm.NewException(vm.Ref(StopIteration.New(v)))
		}
		return v, nil
	})
	mt.Add("throw", 1, func(rt *Runtime, _ *vm.Frame, self vm.Value, args []vm.Value) (vm.Value, error) {
		exc, err := rt.asException(args[0])
		if err != nil {
			return vm.Value{}, err
		}
		v, done, err := self.AsRef().(*vm.Generator).Throw(exc)
		if err != nil {
			return vm.Value{}, err
		}
		if done {
			return vm.Value{}, vm.NewException(vm.Ref(StopIteration.New(v)))
		}
		return v, nil
	})
	mt.Add("close", 0, func(_ *Runtime, _ *vm.Frame, self vm.Value, _ []vm.Value) (vm.Value, error) {
		return vm.None, self.AsRef().(*vm.Generator).Close()
	})
	return mt
}

// sortValues sorts items in place, failing on unorderable pairs.
func sortValues(items []vm.Value) error {
	var err error
	sort.SliceStable(items, func(i, j int) bool {
		if err != nil {
			return false
		}
		c, cerr := Compare(items[i], items[j])
		if cerr != nil {
			err = cerr
		}
		return c < 0
	})
	return err
}
