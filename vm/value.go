package vm

import (
	"fmt"
	"math"
	"reflect"
)

// Value is one frame slot. Primitive integers, floats and booleans are
// stored unboxed next to a kind tag; everything else is an opaque object
// reference owned by the object model.
//
// The zero Value is the empty slot: an unassigned local, an unused stack
// slot or an empty cell.
type Value struct {
	kind Kind
	bits uint64
	ref  any
}

// Kind is the tag of a slot value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindRef
	KindInt
	KindFloat
	KindBool
)

var kindNames = [...]string{"empty", "ref", "int", "float", "bool"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// NoneType is the type of the none singleton.
type NoneType struct{}

func (NoneType) String() string { return "None" }

// Pre-defined values
var (
	None  = Value{kind: KindRef, ref: NoneType{}}
	True  = Value{kind: KindBool, bits: 1}
	False = Value{kind: KindBool}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Int returns an unboxed integer value.
func Int(i int64) Value {
	return Value{kind: KindInt, bits: uint64(i)}
}

// Float returns an unboxed float value.
func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

// Bool returns an unboxed boolean value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Ref wraps an object reference. A nil reference is None.
func Ref(obj any) Value {
	if obj == nil {
		return None
	}
	return Value{kind: KindRef, ref: obj}
}

// FromGo converts a constant-pool entry into a slot value.
func FromGo(v any) Value {
	switch x := v.(type) {
	case nil:
		return None
	case Value:
		return x
	case int64:
		return Int(x)
	case int:
		return Int(int64(x))
	case float64:
		return Float(x)
	case bool:
		return Bool(x)
	default:
		return Ref(x)
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether the slot holds nothing.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// IsNone reports whether the value is the none singleton.
func (v Value) IsNone() bool {
	if v.kind != KindRef {
		return false
	}
	_, ok := v.ref.(NoneType)
	return ok
}

// IsInt reports whether the value is an unboxed integer.
func (v Value) IsInt() bool { return v.kind == KindInt }

// IsFloat reports whether the value is an unboxed float.
func (v Value) IsFloat() bool { return v.kind == KindFloat }

// IsBool reports whether the value is an unboxed boolean.
func (v Value) IsBool() bool { return v.kind == KindBool }

// IsRef reports whether the value is an object reference (including None).
func (v Value) IsRef() bool { return v.kind == KindRef }

// AsInt returns the integer payload. Only meaningful when IsInt.
func (v Value) AsInt() int64 { return int64(v.bits) }

// AsFloat returns the float payload. Only meaningful when IsFloat.
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }

// AsBool returns the boolean payload. Only meaningful when IsBool.
func (v Value) AsBool() bool { return v.bits != 0 }

// AsRef returns the referenced object, or nil for non-reference values.
func (v Value) AsRef() any {
	if v.kind != KindRef {
		return nil
	}
	return v.ref
}

// Interface returns the value boxed as a Go value: int64, float64, bool,
// the referenced object, or nil for the empty slot.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.AsInt()
	case KindFloat:
		return v.AsFloat()
	case KindBool:
		return v.AsBool()
	case KindRef:
		return v.ref
	}
	return nil
}

// Identical reports whether two values have the same kind and payload.
// References compare by Go equality, so only comparable objects match;
// an object holding a slice, map or func is never identical to anything.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	if a.kind != KindRef {
		return a.bits == b.bits
	}
	if a.ref == nil || b.ref == nil {
		return a.ref == b.ref
	}
	t := reflect.TypeOf(a.ref)
	if t != reflect.TypeOf(b.ref) {
		return false
	}
	if t.Kind() != reflect.Pointer {
		// Value.Comparable also looks inside interface fields.
		if !reflect.ValueOf(a.ref).Comparable() || !reflect.ValueOf(b.ref).Comparable() {
			return false
		}
	}
	return a.ref == b.ref
}

func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return "<empty>"
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case KindBool:
		if v.AsBool() {
			return "True"
		}
		return "False"
	}
	if s, ok := v.ref.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v.ref)
}
