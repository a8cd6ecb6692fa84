package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotImplemented is raised for opcodes without an arm and delegated
	// operations without a registered handler.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnboundVariable is raised when reading an empty local or cell.
	ErrUnboundVariable = errors.New("unbound variable")

	// ErrNameNotDefined is raised when a global lookup misses.
	ErrNameNotDefined = errors.New("name not defined")

	// ErrArgument reports a call whose arguments do not bind to the callee.
	ErrArgument = errors.New("argument error")

	// ErrNoActiveException is raised by a bare re-raise outside a handler.
	ErrNoActiveException = errors.New("no active exception to re-raise")

	// ErrRecursionLimit is raised when the call depth exceeds the engine limit.
	ErrRecursionLimit = errors.New("maximum recursion depth exceeded")

	// ErrGeneratorRunning rejects resuming a generator that is executing.
	ErrGeneratorRunning = errors.New("generator already executing")

	// ErrContinuationSpent rejects a second resume from the same suspension.
	ErrContinuationSpent = errors.New("continuation already consumed")

	// ErrGeneratorExhausted rejects resuming a finished generator.
	ErrGeneratorExhausted = errors.New("generator exhausted")

	// ErrGeneratorExit is thrown into a generator by Close.
	ErrGeneratorExit = errors.New("generator exit")

	// ErrGeneratorIgnoredExit reports a generator that yielded during Close.
	ErrGeneratorIgnoredExit = errors.New("generator ignored exit")

	// ErrTransferClaimed reports a second claim of an OSR transfer.
	ErrTransferClaimed = errors.New("transfer already claimed")
)

// IsResourceError reports whether err stems from exhausting a host
// resource rather than from program logic.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrRecursionLimit)
}

// varError carries a user-facing message for a failed variable access while
// still matching its sentinel with errors.Is.
type varError struct {
	kind error
	msg  string
}

func (e *varError) Error() string { return e.msg }
func (e *varError) Unwrap() error { return e.kind }

func unboundLocal(name string) error {
	return &varError{ErrUnboundVariable, fmt.Sprintf("local variable '%s' referenced before assignment", name)}
}

func unboundFree(name string) error {
	return &varError{ErrUnboundVariable, fmt.Sprintf("free variable '%s' referenced before assignment in enclosing scope", name)}
}

func notDefined(name string) error {
	return &varError{ErrNameNotDefined, fmt.Sprintf("name '%s' is not defined", name)}
}
