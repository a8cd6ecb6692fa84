package runtime

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/vm"
)

// Unary operator operands of UNARY_OP.
const (
	UnaryPositive = iota
	UnaryNegative
	UnaryNot
	UnaryInvert
)

// Binary operator operands of BINARY_OP.
const (
	BinaryAdd = iota
	BinarySubtract
	BinaryMultiply
	BinaryTrueDivide
	BinaryFloorDivide
	BinaryModulo
	BinaryPower
	BinaryLShift
	BinaryRShift
	BinaryAnd
	BinaryOr
	BinaryXor
	CompareEq
	CompareNe
	CompareLt
	CompareLe
	CompareGt
	CompareGe
	CompareIs
	CompareIsNot
	CompareIn
	CompareNotIn
)

var binaryNames = map[int]string{
	BinaryAdd: "+", BinarySubtract: "-", BinaryMultiply: "*", BinaryTrueDivide: "/",
	BinaryFloorDivide: "//", BinaryModulo: "%", BinaryPower: "**", BinaryLShift: "<<",
	BinaryRShift: ">>", BinaryAnd: "&", BinaryOr: "|", BinaryXor: "^",
	CompareEq: "==", CompareNe: "!=", CompareLt: "<", CompareLe: "<=", CompareGt: ">",
	CompareGe: ">=", CompareIs: "is", CompareIsNot: "is not", CompareIn: "in", CompareNotIn: "not in",
}

// RegisterOps installs the object model's operation handlers into t.
func (rt *Runtime) RegisterOps(t *vm.OpTable) {
	for sub := range binaryNames {
		t.Register(bytecode.OpBinaryOp, sub, func(call *vm.OpCall) (vm.Value, error) {
			return Binary(sub, call.Operands[0], call.Operands[1])
		})
	}
	for _, sub := range []int{UnaryPositive, UnaryNegative, UnaryNot, UnaryInvert} {
		t.Register(bytecode.OpUnaryOp, sub, func(call *vm.OpCall) (vm.Value, error) {
			return rt.unary(sub, call.Operands[0])
		})
	}
	t.Register(bytecode.OpBinarySubscr, 0, func(call *vm.OpCall) (vm.Value, error) {
		return GetItem(call.Operands[0], call.Operands[1])
	})
	t.Register(bytecode.OpStoreSubscr, 0, func(call *vm.OpCall) (vm.Value, error) {
		return vm.None, SetItem(call.Operands[1], call.Operands[2], call.Operands[0])
	})
	t.Register(bytecode.OpDeleteSubscr, 0, func(call *vm.OpCall) (vm.Value, error) {
		return vm.None, DelItem(call.Operands[0], call.Operands[1])
	})
	t.Register(bytecode.OpLoadAttr, 0, func(call *vm.OpCall) (vm.Value, error) {
		return rt.GetAttr(call.Operands[0], call.Name)
	})
	t.Register(bytecode.OpStoreAttr, 0, func(call *vm.OpCall) (vm.Value, error) {
		return vm.None, rt.SetAttr(call.Operands[1], call.Name, call.Operands[0])
	})
	t.Register(bytecode.OpDeleteAttr, 0, func(call *vm.OpCall) (vm.Value, error) {
		return vm.None, rt.DelAttr(call.Operands[0], call.Name)
	})
	t.Register(bytecode.OpGetIter, 0, func(call *vm.OpCall) (vm.Value, error) {
		return Iter(call.Operands[0])
	})
	t.Register(bytecode.OpImportName, 0, func(call *vm.OpCall) (vm.Value, error) {
		return rt.Import(call.Name)
	})
	t.Register(bytecode.OpImportFrom, 0, func(call *vm.OpCall) (vm.Value, error) {
		v, err := rt.GetAttr(call.Operands[0], call.Name)
		if err != nil {
			return vm.Value{}, &ourError{ErrImport, "cannot import name '" + call.Name + "'"}
		}
		return v, nil
	})
}

// ---------------------------------------------------------------------------
// Unary
// ---------------------------------------------------------------------------

func (rt *Runtime) unary(sub int, v vm.Value) (vm.Value, error) {
	if sub == UnaryNot {
		t, err := rt.Protocol.Truth(v)
		return vm.Bool(!t), err
	}
	switch {
	case v.IsInt() || v.IsBool():
		i := asInt(v)
		switch sub {
		case UnaryPositive:
			return vm.Int(i), nil
		case UnaryNegative:
			return vm.Int(-i), nil
		case UnaryInvert:
			return vm.Int(^i), nil
		}
	case v.IsFloat():
		switch sub {
		case UnaryPositive:
			return v, nil
		case UnaryNegative:
			return vm.Float(-v.AsFloat()), nil
		}
	}
	return vm.Value{}, typeError("bad operand type for unary operator: '%s'", TypeName(v))
}

// ---------------------------------------------------------------------------
// Binary
// ---------------------------------------------------------------------------

// Binary applies the binary operator sub to a and b.
func Binary(sub int, a, b vm.Value) (vm.Value, error) {
	switch sub {
	case CompareEq:
		eq, err := Equal(a, b)
		return vm.Bool(eq), err
	case CompareNe:
		eq, err := Equal(a, b)
		return vm.Bool(!eq), err
	case CompareLt, CompareLe, CompareGt, CompareGe:
		c, err := Compare(a, b)
		if err != nil {
			return vm.Value{}, err
		}
		switch sub {
		case CompareLt:
			return vm.Bool(c < 0), nil
		case CompareLe:
			return vm.Bool(c <= 0), nil
		case CompareGt:
			return vm.Bool(c > 0), nil
		}
		return vm.Bool(c >= 0), nil
	case CompareIs:
		return vm.Bool(vm.Identical(a, b)), nil
	case CompareIsNot:
		return vm.Bool(!vm.Identical(a, b)), nil
	case CompareIn:
		in, err := Contains(b, a)
		return vm.Bool(in), err
	case CompareNotIn:
		in, err := Contains(b, a)
		return vm.Bool(!in), err
	}

	if isIntegral(a) && isIntegral(b) {
		return intBinary(sub, asInt(a), asInt(b))
	}
	if isNumber(a) && isNumber(b) {
		return floatBinary(sub, asFloat(a), asFloat(b))
	}
	if v, ok, err := seqBinary(sub, a, b); ok || err != nil {
		return v, err
	}
	return vm.Value{}, typeError("unsupported operand type(s) for %s: '%s' and '%s'",
		binaryNames[sub], TypeName(a), TypeName(b))
}

func intBinary(sub int, a, b int64) (vm.Value, error) {
	switch sub {
	case BinaryAdd:
		return vm.Int(a + b), nil
	case BinarySubtract:
		return vm.Int(a - b), nil
	case BinaryMultiply:
		return vm.Int(a * b), nil
	case BinaryTrueDivide:
		if b == 0 {
			return vm.Value{}, zeroDivision("division by zero")
		}
		return vm.Float(float64(a) / float64(b)), nil
	case BinaryFloorDivide:
		if b == 0 {
			return vm.Value{}, zeroDivision("integer division or modulo by zero")
		}
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return vm.Int(q), nil
	case BinaryModulo:
		if b == 0 {
			return vm.Value{}, zeroDivision("integer division or modulo by zero")
		}
		r := a % b
		if r != 0 && ((r < 0) != (b < 0)) {
			r += b
		}
		return vm.Int(r), nil
	case BinaryPower:
		if b < 0 {
			return vm.Float(math.Pow(float64(a), float64(b))), nil
		}
		r := int64(1)
		for base := a; b > 0; b >>= 1 {
			if b&1 == 1 {
				r *= base
			}
			base *= base
		}
		return vm.Int(r), nil
	case BinaryLShift, BinaryRShift:
		if b < 0 {
			return vm.Value{}, valueError("negative shift count")
		}
		if sub == BinaryLShift {
			return vm.Int(a << uint(b)), nil
		}
		return vm.Int(a >> uint(b)), nil
	case BinaryAnd:
		return vm.Int(a & b), nil
	case BinaryOr:
		return vm.Int(a | b), nil
	case BinaryXor:
		return vm.Int(a ^ b), nil
	}
	return vm.Value{}, typeError("unsupported operand type(s) for %s: 'int' and 'int'", binaryNames[sub])
}

func floatBinary(sub int, a, b float64) (vm.Value, error) {
	switch sub {
	case BinaryAdd:
		return vm.Float(a + b), nil
	case BinarySubtract:
		return vm.Float(a - b), nil
	case BinaryMultiply:
		return vm.Float(a * b), nil
	case BinaryTrueDivide:
		if b == 0 {
			return vm.Value{}, zeroDivision("float division by zero")
		}
		return vm.Float(a / b), nil
	case BinaryFloorDivide:
		if b == 0 {
			return vm.Value{}, zeroDivision("float floor division by zero")
		}
		return vm.Float(math.Floor(a / b)), nil
	case BinaryModulo:
		if b == 0 {
			return vm.Value{}, zeroDivision("float modulo")
		}
		r := math.Mod(a, b)
		if r != 0 && ((r < 0) != (b < 0)) {
			r += b
		}
		return vm.Float(r), nil
	case BinaryPower:
		return vm.Float(math.Pow(a, b)), nil
	}
	return vm.Value{}, typeError("unsupported operand type(s) for %s: 'float' and 'float'", binaryNames[sub])
}

// seqBinary handles concatenation and repetition of strings, lists and
// tuples.
func seqBinary(sub int, a, b vm.Value) (vm.Value, bool, error) {
	switch sub {
	case BinaryAdd:
		switch x := a.AsRef().(type) {
		case string:
			if y, ok := b.AsRef().(string); ok {
				return vm.Ref(x + y), true, nil
			}
		case *List:
			if y, ok := b.AsRef().(*List); ok {
				return vm.Ref(NewList(concat(x.Items, y.Items)...)), true, nil
			}
		case *Tuple:
			if y, ok := b.AsRef().(*Tuple); ok {
				return vm.Ref(NewTuple(concat(x.Items, y.Items)...)), true, nil
			}
		}
	case BinaryMultiply:
		if isIntegral(a) {
			a, b = b, a
		}
		if !isIntegral(b) {
			return vm.Value{}, false, nil
		}
		n := max(int(asInt(b)), 0)
		switch x := a.AsRef().(type) {
		case string:
			return vm.Ref(strings.Repeat(x, n)), true, nil
		case *List:
			return vm.Ref(NewList(repeat(x.Items, n)...)), true, nil
		case *Tuple:
			return vm.Ref(NewTuple(repeat(x.Items, n)...)), true, nil
		}
	}
	return vm.Value{}, false, nil
}

func concat(a, b []vm.Value) []vm.Value {
	out := make([]vm.Value, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

func repeat(items []vm.Value, n int) []vm.Value {
	out := make([]vm.Value, 0, len(items)*n)
	for i := 0; i < n; i++ {
		out = append(out, items...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Equality, ordering and hashing
// ---------------------------------------------------------------------------

// Equal compares by value: numbers across kinds, strings, and sequences
// element-wise. Other objects compare by identity.
func Equal(a, b vm.Value) (bool, error) {
	if isNumber(a) && isNumber(b) {
		if isIntegral(a) && isIntegral(b) {
			return asInt(a) == asInt(b), nil
		}
		return asFloat(a) == asFloat(b), nil
	}
	switch x := a.AsRef().(type) {
	case string:
		y, ok := b.AsRef().(string)
		return ok && x == y, nil
	case *Tuple:
		if y, ok := b.AsRef().(*Tuple); ok {
			return equalItems(x.Items, y.Items)
		}
		return false, nil
	case *List:
		if y, ok := b.AsRef().(*List); ok {
			return equalItems(x.Items, y.Items)
		}
		return false, nil
	case *Dict:
		y, ok := b.AsRef().(*Dict)
		if !ok || x.Len() != y.Len() {
			return false, nil
		}
		for i, k := range x.keys {
			v, ok, err := y.Get(k)
			if err != nil || !ok {
				return false, err
			}
			if eq, err := Equal(x.vals[i], v); err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return vm.Identical(a, b), nil
}

func equalItems(a, b []vm.Value) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		if eq, err := Equal(a[i], b[i]); err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// Compare orders numbers, strings and sequences of orderable items.
func Compare(a, b vm.Value) (int, error) {
	if isNumber(a) && isNumber(b) {
		if isIntegral(a) && isIntegral(b) {
			return cmp3(asInt(a), asInt(b)), nil
		}
		return cmp3(asFloat(a), asFloat(b)), nil
	}
	switch x := a.AsRef().(type) {
	case string:
		if y, ok := b.AsRef().(string); ok {
			return strings.Compare(x, y), nil
		}
	case *Tuple:
		if y, ok := b.AsRef().(*Tuple); ok {
			return compareItems(x.Items, y.Items)
		}
	case *List:
		if y, ok := b.AsRef().(*List); ok {
			return compareItems(x.Items, y.Items)
		}
	}
	return 0, typeError("'<' not supported between instances of '%s' and '%s'", TypeName(a), TypeName(b))
}

func compareItems(a, b []vm.Value) (int, error) {
	for i := 0; i < len(a) && i < len(b); i++ {
		c, err := Compare(a[i], b[i])
		if err != nil || c != 0 {
			return c, err
		}
	}
	return cmp3(len(a), len(b)), nil
}

func cmp3[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// tupleKey is the hash key of a tuple: the joined keys of its items.
type tupleKey string

// hashKey returns a comparable Go value equal for equal hashable values.
func hashKey(v vm.Value) (any, error) {
	switch {
	case v.IsInt() || v.IsBool():
		return asInt(v), nil
	case v.IsFloat():
		f := v.AsFloat()
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<63 {
			return int64(f), nil
		}
		return f, nil
	}
	switch x := v.AsRef().(type) {
	case string, vm.NoneType, *ExceptionType, *Builtin, *vm.Function, *Module, *Object:
		return x, nil
	case *Tuple:
		var sb strings.Builder
		for _, it := range x.Items {
			k, err := hashKey(it)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&sb, "%T:%#v,", k, k)
		}
		return tupleKey(sb.String()), nil
	}
	return nil, typeError("unhashable type: '%s'", TypeName(v))
}

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

func isIntegral(v vm.Value) bool { return v.IsInt() || v.IsBool() }

func isNumber(v vm.Value) bool { return v.IsInt() || v.IsBool() || v.IsFloat() }

func asInt(v vm.Value) int64 {
	if v.IsBool() {
		if v.AsBool() {
			return 1
		}
		return 0
	}
	return v.AsInt()
}

func asFloat(v vm.Value) float64 {
	if v.IsFloat() {
		return v.AsFloat()
	}
	return float64(asInt(v))
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
