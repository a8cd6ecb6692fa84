package runtime

import (
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/vm"
)

// Factory implements vm.Factory over the reference object model.
type Factory struct{}

var _ vm.Factory = Factory{}

func (Factory) NewCollection(kind int, items []vm.Value) (vm.Value, error) {
	switch kind {
	case bytecode.CollectionList:
		return vm.Ref(NewList(append([]vm.Value(nil), items...)...)), nil
	case bytecode.CollectionTuple:
		return vm.Ref(NewTuple(append([]vm.Value(nil), items...)...)), nil
	case bytecode.CollectionSet:
		s := NewSet()
		for _, it := range items {
			if err := s.Add(it); err != nil {
				return vm.Value{}, err
			}
		}
		return vm.Ref(s), nil
	case bytecode.CollectionDict, bytecode.CollectionKeywords:
		if len(items)%2 != 0 {
			return vm.Value{}, valueError("odd number of dict items")
		}
		d := NewDict()
		for i := 0; i < len(items); i += 2 {
			if kind == bytecode.CollectionKeywords {
				if _, ok := items[i].AsRef().(string); !ok {
					return vm.Value{}, typeError("keywords must be strings")
				}
			}
			if err := d.Set(items[i], items[i+1]); err != nil {
				return vm.Value{}, err
			}
		}
		return vm.Ref(d), nil
	}
	return vm.Value{}, valueError("unknown collection kind %d", kind)
}

func (f Factory) ExtendCollection(kind int, coll vm.Value, items []vm.Value) (vm.Value, error) {
	var err error
	if kind == bytecode.CollectionDict || kind == bytecode.CollectionKeywords {
		for i := 0; i+1 < len(items) && err == nil; i += 2 {
			coll, err = f.AddToCollection(kind, coll, items[i], items[i+1])
		}
		return coll, err
	}
	for _, it := range items {
		if coll, err = f.AddToCollection(kind, coll, it); err != nil {
			return vm.Value{}, err
		}
	}
	return coll, nil
}

func (f Factory) CollectionFrom(kind int, iterable vm.Value) (vm.Value, error) {
	if kind == bytecode.CollectionDict || kind == bytecode.CollectionKeywords {
		coll, err := f.NewCollection(kind, nil)
		if err != nil {
			return vm.Value{}, err
		}
		return f.ExtendFromIterable(kind, coll, iterable)
	}
	items, err := Items(iterable)
	if err != nil {
		return vm.Value{}, err
	}
	return f.NewCollection(kind, items)
}

func (f Factory) ExtendFromIterable(kind int, coll vm.Value, iterable vm.Value) (vm.Value, error) {
	if kind == bytecode.CollectionDict || kind == bytecode.CollectionKeywords {
		src, ok := iterable.AsRef().(*Dict)
		if !ok {
			return vm.Value{}, typeError("'%s' object is not a mapping", TypeName(iterable))
		}
		var err error
		for i := range src.keys {
			if coll, err = f.AddToCollection(kind, coll, src.keys[i], src.vals[i]); err != nil {
				return vm.Value{}, err
			}
		}
		return coll, nil
	}
	items, err := Items(iterable)
	if err != nil {
		return vm.Value{}, err
	}
	return f.ExtendCollection(kind, coll, items)
}

// AddToCollection appends to lists, adds to sets and stores into dicts.
// Tuples are immutable, so a new tuple is returned.
func (Factory) AddToCollection(kind int, coll vm.Value, items ...vm.Value) (vm.Value, error) {
	switch x := coll.AsRef().(type) {
	case *List:
		x.Items = append(x.Items, items...)
		return coll, nil
	case *Tuple:
		return vm.Ref(NewTuple(concat(x.Items, items)...)), nil
	case *Set:
		for _, it := range items {
			if err := x.Add(it); err != nil {
				return vm.Value{}, err
			}
		}
		return coll, nil
	case *Dict:
		if len(items) != 2 {
			return vm.Value{}, valueError("dict update needs a key and a value")
		}
		if kind == bytecode.CollectionKeywords {
			name, ok := items[0].AsRef().(string)
			if !ok {
				return vm.Value{}, typeError("keywords must be strings")
			}
			if _, dup, _ := x.Get(items[0]); dup {
				return vm.Value{}, typeError("got multiple values for keyword argument '%s'", name)
			}
		}
		return coll, x.Set(items[0], items[1])
	}
	return vm.Value{}, typeError("cannot add to '%s'", TypeName(coll))
}

func (Factory) NewSlice(start, stop, step vm.Value) (vm.Value, error) {
	return vm.Ref(&Slice{Start: start, Stop: stop, Step: step}), nil
}

func (Factory) NewKeywords(kws []vm.Keyword) (vm.Value, error) {
	d := NewDict()
	for _, kw := range kws {
		if err := d.Set(vm.Ref(kw.Name), kw.Value); err != nil {
			return vm.Value{}, err
		}
	}
	return vm.Ref(d), nil
}

// NewFunction uses the engine function itself as the language object.
func (Factory) NewFunction(fn *vm.Function) (vm.Value, error) {
	return vm.Ref(fn), nil
}
