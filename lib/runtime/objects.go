// Package runtime is a reference object model for the strata engine. It
// supplies the operation handlers, the protocol and the object factory the
// engine delegates to, plus a small builtin library.
package runtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chazu/strata/vm"
)

// Strings are plain Go strings held in a reference slot.

// Tuple is an immutable sequence.
type Tuple struct {
	Items []vm.Value
}

// NewTuple returns a tuple over items.
func NewTuple(items ...vm.Value) *Tuple {
	return &Tuple{Items: items}
}

func (t *Tuple) String() string {
	if len(t.Items) == 1 {
		return "(" + Repr(t.Items[0]) + ",)"
	}
	return "(" + joinRepr(t.Items) + ")"
}

// List is a mutable sequence.
type List struct {
	Items []vm.Value
}

// NewList returns a list over items.
func NewList(items ...vm.Value) *List {
	return &List{Items: items}
}

func (l *List) String() string {
	return "[" + joinRepr(l.Items) + "]"
}

// Dict is an insertion-ordered mapping from hashable keys.
type Dict struct {
	keys  []vm.Value
	vals  []vm.Value
	index map[any]int
}

// NewDict returns an empty dict.
func NewDict() *Dict {
	return &Dict{index: make(map[any]int)}
}

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

// Get looks up key.
func (d *Dict) Get(key vm.Value) (vm.Value, bool, error) {
	h, err := hashKey(key)
	if err != nil {
		return vm.Value{}, false, err
	}
	i, ok := d.index[h]
	if !ok {
		return vm.Value{}, false, nil
	}
	return d.vals[i], true, nil
}

// Set binds key to v, keeping the position of an existing key.
func (d *Dict) Set(key, v vm.Value) error {
	h, err := hashKey(key)
	if err != nil {
		return err
	}
	if i, ok := d.index[h]; ok {
		d.vals[i] = v
		return nil
	}
	d.index[h] = len(d.keys)
	d.keys = append(d.keys, key)
	d.vals = append(d.vals, v)
	return nil
}

// Delete removes key and reports whether it was present.
func (d *Dict) Delete(key vm.Value) (bool, error) {
	h, err := hashKey(key)
	if err != nil {
		return false, err
	}
	i, ok := d.index[h]
	if !ok {
		return false, nil
	}
	d.keys = append(d.keys[:i], d.keys[i+1:]...)
	d.vals = append(d.vals[:i], d.vals[i+1:]...)
	delete(d.index, h)
	for k, j := range d.index {
		if j > i {
			d.index[k] = j - 1
		}
	}
	return true, nil
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []vm.Value {
	return append([]vm.Value(nil), d.keys...)
}

// Values returns the values in insertion order.
func (d *Dict) Values() []vm.Value {
	return append([]vm.Value(nil), d.vals...)
}

func (d *Dict) String() string {
	parts := make([]string, len(d.keys))
	for i := range d.keys {
		parts[i] = Repr(d.keys[i]) + ": " + Repr(d.vals[i])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Set is an insertion-ordered set of hashable values.
type Set struct {
	d *Dict
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{d: NewDict()}
}

// Add inserts v.
func (s *Set) Add(v vm.Value) error { return s.d.Set(v, vm.None) }

// Contains reports whether v is a member.
func (s *Set) Contains(v vm.Value) (bool, error) {
	_, ok, err := s.d.Get(v)
	return ok, err
}

// Len returns the number of members.
func (s *Set) Len() int { return s.d.Len() }

// Items returns the members in insertion order.
func (s *Set) Items() []vm.Value { return s.d.Keys() }

func (s *Set) String() string {
	if s.Len() == 0 {
		return "set()"
	}
	return "{" + joinRepr(s.d.keys) + "}"
}

// Slice holds the bounds of a slice expression; absent bounds are None.
type Slice struct {
	Start, Stop, Step vm.Value
}

func (s *Slice) String() string {
	return fmt.Sprintf("slice(%s, %s, %s)", Repr(s.Start), Repr(s.Stop), Repr(s.Step))
}

// indices resolves the slice against a sequence of length n.
func (s *Slice) indices(n int) (start, stop, step int, err error) {
	step = 1
	if !s.Step.IsNone() {
		if !s.Step.IsInt() {
			return 0, 0, 0, typeError("slice indices must be integers")
		}
		step = int(s.Step.AsInt())
		if step == 0 {
			return 0, 0, 0, valueError("slice step cannot be zero")
		}
	}
	bound := func(v vm.Value, def int) (int, error) {
		if v.IsNone() {
			return def, nil
		}
		if !v.IsInt() {
			return 0, typeError("slice indices must be integers")
		}
		i := int(v.AsInt())
		if i < 0 {
			i += n
		}
		lo, hi := 0, n
		if step < 0 {
			lo, hi = -1, n-1
		}
		return min(max(i, lo), hi), nil
	}
	if step > 0 {
		if start, err = bound(s.Start, 0); err != nil {
			return
		}
		stop, err = bound(s.Stop, n)
		return
	}
	if start, err = bound(s.Start, n-1); err != nil {
		return
	}
	stop, err = bound(s.Stop, -1)
	return
}

// Range is an immutable arithmetic progression.
type Range struct {
	Start, Stop, Step int64
}

// Len returns the number of elements.
func (r *Range) Len() int {
	switch {
	case r.Step > 0 && r.Start < r.Stop:
		return int((r.Stop - r.Start + r.Step - 1) / r.Step)
	case r.Step < 0 && r.Start > r.Stop:
		return int((r.Start - r.Stop - r.Step - 1) / -r.Step)
	}
	return 0
}

func (r *Range) String() string {
	if r.Step == 1 {
		return fmt.Sprintf("range(%d, %d)", r.Start, r.Stop)
	}
	return fmt.Sprintf("range(%d, %d, %d)", r.Start, r.Stop, r.Step)
}

// Object is a plain attribute bag.
type Object struct {
	mu    sync.RWMutex
	attrs map[string]vm.Value
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{attrs: make(map[string]vm.Value)}
}

func (o *Object) Get(name string) (vm.Value, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.attrs[name]
	return v, ok
}

func (o *Object) Set(name string, v vm.Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attrs[name] = v
}

func (o *Object) Delete(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.attrs[name]
	delete(o.attrs, name)
	return ok
}

func (o *Object) String() string { return "<object>" }

// Module is an importable namespace.
type Module struct {
	Name string
	NS   *vm.MapNamespace
}

// NewModule returns an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, NS: vm.NewNamespace()}
}

func (m *Module) String() string { return fmt.Sprintf("<module '%s'>", m.Name) }

// Builtin is a function implemented in Go.
type Builtin struct {
	Name string
	Fn   func(rt *Runtime, caller *vm.Frame, args []vm.Value, kwargs []vm.Keyword) (vm.Value, error)
}

func (b *Builtin) String() string { return fmt.Sprintf("<built-in function %s>", b.Name) }

// BoundMethod is a method looked up on a receiver.
type BoundMethod struct {
	Recv vm.Value
	Name string
}

func (b *BoundMethod) String() string {
	return fmt.Sprintf("<bound method %s of %s>", b.Name, Repr(b.Recv))
}

// ---------------------------------------------------------------------------
// Representation
// ---------------------------------------------------------------------------

// Repr renders v the way it would appear inside a container.
func Repr(v vm.Value) string {
	switch {
	case v.IsFloat():
		return formatFloat(v.AsFloat())
	case v.IsRef():
		if s, ok := v.AsRef().(string); ok {
			return quote(s)
		}
	}
	return v.String()
}

// Str renders v the way print shows it.
func Str(v vm.Value) string {
	if v.IsFloat() {
		return formatFloat(v.AsFloat())
	}
	if exc, ok := v.AsRef().(*ExceptionObject); ok {
		switch len(exc.Args.Items) {
		case 0:
			return ""
		case 1:
			return Str(exc.Args.Items[0])
		}
		return exc.Args.String()
	}
	return v.String()
}

func joinRepr(items []vm.Value) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Repr(it)
	}
	return strings.Join(parts, ", ")
}

func quote(s string) string {
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// TypeName returns the language-level type name of v.
func TypeName(v vm.Value) string {
	switch v.Kind() {
	case vm.KindInt:
		return "int"
	case vm.KindFloat:
		return "float"
	case vm.KindBool:
		return "bool"
	case vm.KindEmpty:
		return "<empty>"
	}
	switch x := v.AsRef().(type) {
	case vm.NoneType:
		return "NoneType"
	case string:
		return "str"
	case *Tuple:
		return "tuple"
	case *List:
		return "list"
	case *Dict:
		return "dict"
	case *Set:
		return "set"
	case *Slice:
		return "slice"
	case *Range:
		return "range"
	case *Module:
		return "module"
	case *Object:
		return "object"
	case *Builtin:
		return "builtin_function_or_method"
	case *BoundMethod:
		return "method"
	case *vm.Function:
		return "function"
	case *vm.Generator:
		return "generator"
	case *ExceptionType:
		return "type"
	case *ExceptionObject:
		return x.Type.Name
	case Iterator:
		return "iterator"
	}
	return fmt.Sprintf("%T", v.AsRef())
}
