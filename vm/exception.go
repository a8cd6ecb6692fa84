package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/strata/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Exceptions in flight
// ---------------------------------------------------------------------------

// TraceEntry records one frame an exception passed through.
type TraceEntry struct {
	Code         *bytecode.CodeUnit
	PC           int
	SourceOffset int

	activation uint64
}

func (t TraceEntry) String() string {
	name := "<unknown>"
	if t.Code != nil {
		name = t.Code.Name
	}
	if t.SourceOffset >= 0 {
		return fmt.Sprintf("%s at %04X (@%d)", name, t.PC, t.SourceOffset)
	}
	return fmt.Sprintf("%s at %04X", name, t.PC)
}

// Exception is an error travelling through the frame stack. It carries the
// language-level exception object and/or the Go error that caused it, the
// provenance trail and the chaining links.
type Exception struct {
	Value Value // Language exception object, empty for pure Go errors
	Err   error // Underlying Go error, nil for pure language exceptions

	Trace []TraceEntry // Innermost first

	Cause           *Exception // Explicit cause (raise X from Y)
	Context         *Exception // Exception being handled when this one was raised
	SuppressContext bool       // Set by an explicit cause, including None
}

// NewException wraps a language exception object.
func NewException(v Value) *Exception {
	return &Exception{Value: v}
}

// WrapError turns any error into an in-flight exception. An error that
// already is (or wraps) an *Exception is returned as that exception.
func WrapError(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return &Exception{Err: err}
}

func (e *Exception) Error() string {
	var msg string
	switch {
	case !e.Value.IsEmpty() && e.Err != nil:
		msg = fmt.Sprintf("%s: %v", e.Value, e.Err)
	case !e.Value.IsEmpty():
		msg = e.Value.String()
	case e.Err != nil:
		msg = e.Err.Error()
	default:
		msg = "exception"
	}
	return msg
}

func (e *Exception) Unwrap() error { return e.Err }

// Traceback renders the provenance trail, outermost frame last, followed by
// the chained causes.
func (e *Exception) Traceback() string {
	var sb strings.Builder
	e.writeTraceback(&sb, map[*Exception]bool{})
	return sb.String()
}

func (e *Exception) writeTraceback(sb *strings.Builder, seen map[*Exception]bool) {
	seen[e] = true
	if e.Cause != nil && !seen[e.Cause] {
		e.Cause.writeTraceback(sb, seen)
		sb.WriteString("\nThe above exception was the direct cause of the following exception:\n\n")
	} else if e.Context != nil && !e.SuppressContext && !seen[e.Context] {
		e.Context.writeTraceback(sb, seen)
		sb.WriteString("\nDuring handling of the above exception, another exception occurred:\n\n")
	}
	sb.WriteString("Traceback (innermost first):\n")
	for _, t := range e.Trace {
		sb.WriteString("  ")
		sb.WriteString(t.String())
		sb.WriteString("\n")
	}
	sb.WriteString(e.Error())
	sb.WriteString("\n")
}

// record adds provenance for an activation once. Re-raising inside the same
// activation keeps the original raise point.
func (e *Exception) record(f *Frame, pc int) {
	for _, t := range e.Trace {
		if t.activation == f.activation {
			return
		}
	}
	e.Trace = append(e.Trace, TraceEntry{
		Code:         f.Code,
		PC:           pc,
		SourceOffset: f.Code.SourceOffset(pc),
		activation:   f.activation,
	})
}

// chain sets the implicit context to the exception being handled, at most
// once, and never so that the chain loops back onto itself.
func (e *Exception) chain(active *Exception) {
	if active == nil || active == e || e.Context != nil {
		return
	}
	for c := active; c != nil; c = c.Context {
		if c == e {
			return
		}
	}
	e.Context = active
}

// SetCause records an explicit cause. A nil cause only suppresses the
// implicit context.
func (e *Exception) SetCause(cause *Exception) {
	e.Cause = cause
	e.SuppressContext = true
}
