package runtime

import (
	"strings"
	"unicode/utf8"

	"github.com/chazu/strata/vm"
)

// Iterator is the object model's iterator contract.
type Iterator interface {
	Next() (vm.Value, bool, error)
}

type seqIter struct {
	items []vm.Value
	pos   int
}

func (it *seqIter) Next() (vm.Value, bool, error) {
	if it.pos >= len(it.items) {
		return vm.Value{}, false, nil
	}
	it.pos++
	return it.items[it.pos-1], true, nil
}

func (it *seqIter) String() string { return "<iterator>" }

// listIter indexes the live list, so appends during iteration are seen.
type listIter struct {
	l   *List
	pos int
}

func (it *listIter) Next() (vm.Value, bool, error) {
	if it.pos >= len(it.l.Items) {
		return vm.Value{}, false, nil
	}
	it.pos++
	return it.l.Items[it.pos-1], true, nil
}

func (it *listIter) String() string { return "<list_iterator>" }

type rangeIter struct {
	next, stop, step int64
}

func (it *rangeIter) Next() (vm.Value, bool, error) {
	if (it.step > 0 && it.next >= it.stop) || (it.step < 0 && it.next <= it.stop) {
		return vm.Value{}, false, nil
	}
	v := it.next
	it.next += it.step
	return vm.Int(v), true, nil
}

func (it *rangeIter) String() string { return "<range_iterator>" }

type strIter struct {
	s string
}

func (it *strIter) Next() (vm.Value, bool, error) {
	if it.s == "" {
		return vm.Value{}, false, nil
	}
	_, n := utf8.DecodeRuneInString(it.s)
	r := it.s[:n]
	it.s = it.s[n:]
	return vm.Ref(r), true, nil
}

func (it *strIter) String() string { return "<str_iterator>" }

// Iter returns an iterator over v. Iterators, engine generators included,
// are their own iterators.
func Iter(v vm.Value) (vm.Value, error) {
	switch x := v.AsRef().(type) {
	case Iterator:
		return v, nil
	case *List:
		return vm.Ref(&listIter{l: x}), nil
	case *Tuple:
		return vm.Ref(&seqIter{items: x.Items}), nil
	case string:
		return vm.Ref(&strIter{s: x}), nil
	case *Dict:
		return vm.Ref(&seqIter{items: x.Keys()}), nil
	case *Set:
		return vm.Ref(&seqIter{items: x.Items()}), nil
	case *Range:
		return vm.Ref(&rangeIter{next: x.Start, stop: x.Stop, step: x.Step}), nil
	}
	return vm.Value{}, typeError("'%s' object is not iterable", TypeName(v))
}

// iterator returns the Go iterator behind Iter(v).
func iterator(v vm.Value) (Iterator, error) {
	it, err := Iter(v)
	if err != nil {
		return nil, err
	}
	return it.AsRef().(Iterator), nil
}

// Items materializes every item of an iterable.
func Items(v vm.Value) ([]vm.Value, error) {
	switch x := v.AsRef().(type) {
	case *Tuple:
		return append([]vm.Value(nil), x.Items...), nil
	case *List:
		return append([]vm.Value(nil), x.Items...), nil
	}
	it, err := iterator(v)
	if err != nil {
		return nil, err
	}
	var items []vm.Value
	for {
		item, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return items, nil
		}
		items = append(items, item)
	}
}

// Len returns the length of a sized object.
func Len(v vm.Value) (int, error) {
	switch x := v.AsRef().(type) {
	case string:
		return utf8.RuneCountInString(x), nil
	case *Tuple:
		return len(x.Items), nil
	case *List:
		return len(x.Items), nil
	case *Dict:
		return x.Len(), nil
	case *Set:
		return x.Len(), nil
	case *Range:
		return x.Len(), nil
	}
	return 0, typeError("object of type '%s' has no len()", TypeName(v))
}

// Contains implements the membership test item in container.
func Contains(container, item vm.Value) (bool, error) {
	switch x := container.AsRef().(type) {
	case string:
		s, ok := item.AsRef().(string)
		if !ok {
			return false, typeError("'in <string>' requires string as left operand, not %s", TypeName(item))
		}
		return strings.Contains(x, s), nil
	case *Dict:
		_, ok, err := x.Get(item)
		return ok, err
	case *Set:
		return x.Contains(item)
	case *Range:
		if !isIntegral(item) {
			return false, nil
		}
		i := asInt(item)
		if x.Step > 0 && (i < x.Start || i >= x.Stop) || x.Step < 0 && (i > x.Start || i <= x.Stop) {
			return false, nil
		}
		return (i-x.Start)%x.Step == 0, nil
	}
	items, err := Items(container)
	if err != nil {
		return false, typeError("argument of type '%s' is not iterable", TypeName(container))
	}
	for _, it := range items {
		if eq, err := Equal(it, item); err != nil || eq {
			return eq, err
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Subscripts
// ---------------------------------------------------------------------------

func index(key vm.Value, n int, what string) (int, error) {
	if !isIntegral(key) {
		return 0, typeError("%s indices must be integers, not %s", what, TypeName(key))
	}
	i := int(asInt(key))
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, indexError("%s index out of range", what)
	}
	return i, nil
}

func sliceItems(items []vm.Value, s *Slice) ([]vm.Value, error) {
	start, stop, step, err := s.indices(len(items))
	if err != nil {
		return nil, err
	}
	var out []vm.Value
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		out = append(out, items[i])
	}
	return out, nil
}

// GetItem implements container[key].
func GetItem(container, key vm.Value) (vm.Value, error) {
	sl, isSlice := key.AsRef().(*Slice)
	switch x := container.AsRef().(type) {
	case *List:
		if isSlice {
			items, err := sliceItems(x.Items, sl)
			return vm.Ref(NewList(items...)), err
		}
		i, err := index(key, len(x.Items), "list")
		if err != nil {
			return vm.Value{}, err
		}
		return x.Items[i], nil
	case *Tuple:
		if isSlice {
			items, err := sliceItems(x.Items, sl)
			return vm.Ref(NewTuple(items...)), err
		}
		i, err := index(key, len(x.Items), "tuple")
		if err != nil {
			return vm.Value{}, err
		}
		return x.Items[i], nil
	case string:
		runes := []rune(x)
		if isSlice {
			chars := make([]vm.Value, len(runes))
			for i, r := range runes {
				chars[i] = vm.Ref(string(r))
			}
			items, err := sliceItems(chars, sl)
			if err != nil {
				return vm.Value{}, err
			}
			var sb strings.Builder
			for _, it := range items {
				sb.WriteString(it.AsRef().(string))
			}
			return vm.Ref(sb.String()), nil
		}
		i, err := index(key, len(runes), "string")
		if err != nil {
			return vm.Value{}, err
		}
		return vm.Ref(string(runes[i])), nil
	case *Dict:
		v, ok, err := x.Get(key)
		if err != nil {
			return vm.Value{}, err
		}
		if !ok {
			return vm.Value{}, keyError(key)
		}
		return v, nil
	case *Range:
		i, err := index(key, x.Len(), "range object")
		if err != nil {
			return vm.Value{}, err
		}
		return vm.Int(x.Start + int64(i)*x.Step), nil
	}
	return vm.Value{}, typeError("'%s' object is not subscriptable", TypeName(container))
}

// SetItem implements container[key] = v.
func SetItem(container, key, v vm.Value) error {
	switch x := container.AsRef().(type) {
	case *List:
		i, err := index(key, len(x.Items), "list assignment")
		if err != nil {
			return err
		}
		x.Items[i] = v
		return nil
	case *Dict:
		return x.Set(key, v)
	}
	return typeError("'%s' object does not support item assignment", TypeName(container))
}

// DelItem implements del container[key].
func DelItem(container, key vm.Value) error {
	switch x := container.AsRef().(type) {
	case *List:
		i, err := index(key, len(x.Items), "list assignment")
		if err != nil {
			return err
		}
		x.Items = append(x.Items[:i], x.Items[i+1:]...)
		return nil
	case *Dict:
		ok, err := x.Delete(key)
		if err != nil {
			return err
		}
		if !ok {
			return keyError(key)
		}
		return nil
	}
	return typeError("'%s' object does not support item deletion", TypeName(container))
}
