package runtime

import (
	"errors"
	"fmt"

	"github.com/chazu/strata/vm"
)

// Errors raised by the object model. Each maps to a builtin exception type.
var (
	ErrType          = errors.New("type error")
	ErrValue         = errors.New("value error")
	ErrIndex         = errors.New("index error")
	ErrKey           = errors.New("key error")
	ErrAttribute     = errors.New("attribute error")
	ErrZeroDivision  = errors.New("division by zero")
	ErrImport        = errors.New("import error")
	ErrStopIteration = errors.New("stop iteration")
)

// ourError keeps the message shown to programs free of the sentinel text.
type ourError struct {
	kind error
	msg  string
}

func (e *ourError) Error() string { return e.msg }
func (e *ourError) Unwrap() error { return e.kind }

func typeError(format string, args ...any) error {
	return &ourError{ErrType, fmt.Sprintf(format, args...)}
}

func valueError(format string, args ...any) error {
	return &ourError{ErrValue, fmt.Sprintf(format, args...)}
}

func indexError(format string, args ...any) error {
	return &ourError{ErrIndex, fmt.Sprintf(format, args...)}
}

func keyError(key vm.Value) error {
	return &ourError{ErrKey, Repr(key)}
}

func attributeError(v vm.Value, name string) error {
	return &ourError{ErrAttribute, fmt.Sprintf("'%s' object has no attribute '%s'", TypeName(v), name)}
}

func zeroDivision(msg string) error {
	return &ourError{ErrZeroDivision, msg}
}

// ExceptionType is a builtin exception class.
type ExceptionType struct {
	Name string
	Base *ExceptionType
}

func (t *ExceptionType) String() string { return fmt.Sprintf("<class '%s'>", t.Name) }

// IsSubtype reports whether t is base or derives from it.
func (t *ExceptionType) IsSubtype(base *ExceptionType) bool {
	for c := t; c != nil; c = c.Base {
		if c == base {
			return true
		}
	}
	return false
}

// New instantiates the type.
func (t *ExceptionType) New(args ...vm.Value) *ExceptionObject {
	return &ExceptionObject{Type: t, Args: NewTuple(args...)}
}

// ExceptionObject is an instance of an exception type.
type ExceptionObject struct {
	Type *ExceptionType
	Args *Tuple
}

func (o *ExceptionObject) String() string {
	switch len(o.Args.Items) {
	case 0:
		return o.Type.Name
	case 1:
		return o.Type.Name + ": " + Str(o.Args.Items[0])
	}
	return o.Type.Name + ": " + o.Args.String()
}

// Builtin exception hierarchy.
var (
	BaseException       = &ExceptionType{Name: "BaseException"}
	GeneratorExit       = &ExceptionType{Name: "GeneratorExit", Base: BaseException}
	Exception           = &ExceptionType{Name: "Exception", Base: BaseException}
	StopIteration       = &ExceptionType{Name: "StopIteration", Base: Exception}
	ArithmeticError     = &ExceptionType{Name: "ArithmeticError", Base: Exception}
	ZeroDivisionError   = &ExceptionType{Name: "ZeroDivisionError", Base: ArithmeticError}
	AttributeError      = &ExceptionType{Name: "AttributeError", Base: Exception}
	ImportError         = &ExceptionType{Name: "ImportError", Base: Exception}
	LookupError         = &ExceptionType{Name: "LookupError", Base: Exception}
	IndexError          = &ExceptionType{Name: "IndexError", Base: LookupError}
	KeyError            = &ExceptionType{Name: "KeyError", Base: LookupError}
	NameError           = &ExceptionType{Name: "NameError", Base: Exception}
	UnboundLocalError   = &ExceptionType{Name: "UnboundLocalError", Base: NameError}
	RuntimeError        = &ExceptionType{Name: "RuntimeError", Base: Exception}
	NotImplementedError = &ExceptionType{Name: "NotImplementedError", Base: RuntimeError}
	RecursionError      = &ExceptionType{Name: "RecursionError", Base: RuntimeError}
	TypeError           = &ExceptionType{Name: "TypeError", Base: Exception}
	ValueError          = &ExceptionType{Name: "ValueError", Base: Exception}
)

var exceptionTypes = []*ExceptionType{
	BaseException, GeneratorExit, Exception, StopIteration, ArithmeticError,
	ZeroDivisionError, AttributeError, ImportError, LookupError, IndexError,
	KeyError, NameError, UnboundLocalError, RuntimeError, NotImplementedError,
	RecursionError, TypeError, ValueError,
}

// errorTypes maps Go sentinels to exception types, most specific first.
var errorTypes = []struct {
	err error
	typ *ExceptionType
}{
	{vm.ErrUnboundVariable, UnboundLocalError},
	{vm.ErrNameNotDefined, NameError},
	{vm.ErrRecursionLimit, RecursionError},
	{vm.ErrNotImplemented, NotImplementedError},
	{vm.ErrArgument, TypeError},
	{vm.ErrNoActiveException, RuntimeError},
	{vm.ErrGeneratorRunning, ValueError},
	{vm.ErrContinuationSpent, RuntimeError},
	{vm.ErrGeneratorExhausted, StopIteration},
	{vm.ErrGeneratorExit, GeneratorExit},
	{vm.ErrGeneratorIgnoredExit, RuntimeError},
	{ErrType, TypeError},
	{ErrValue, ValueError},
	{ErrIndex, IndexError},
	{ErrKey, KeyError},
	{ErrAttribute, AttributeError},
	{ErrZeroDivision, ZeroDivisionError},
	{ErrImport, ImportError},
	{ErrStopIteration, StopIteration},
}

// TypeOf returns the exception type of an in-flight exception. Errors that
// match no sentinel are RuntimeErrors.
func TypeOf(exc *vm.Exception) *ExceptionType {
	if obj, ok := exc.Value.AsRef().(*ExceptionObject); ok {
		return obj.Type
	}
	for _, et := range errorTypes {
		if errors.Is(exc.Err, et.err) {
			return et.typ
		}
	}
	return RuntimeError
}

// message strips the sentinel prefix the engine adds to wrapped errors.
func message(err error) string {
	var oe *ourError
	if errors.As(err, &oe) {
		return oe.msg
	}
	return err.Error()
}
