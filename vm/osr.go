package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/pkg/bytecode"
)

var osrLog = commonlog.GetLogger("strata.osr")

// ---------------------------------------------------------------------------
// Tiering handshake
// ---------------------------------------------------------------------------

// Tier is an optimized execution tier that can take over a hot loop.
// TryEnter returns nil when it cannot run the loop (yet); the baseline
// then continues as if nothing happened.
type Tier interface {
	TryEnter(t *Transfer) *Outcome
}

// Transfer hands one loop iteration boundary from the baseline to a tier.
// It has a single producer and a single consumer and must be claimed
// before its frame is touched.
type Transfer struct {
	Code *bytecode.CodeUnit
	Key  LoopKey

	PC        int // Where execution continues (the loop head)
	StackTop  int
	LoopStart int // Responsible range, inclusive
	LoopEnd   int

	m       *machine
	claimed atomic.Bool
}

// Claim takes ownership of the transfer.
func (t *Transfer) Claim() error {
	if !t.claimed.CompareAndSwap(false, true) {
		return ErrTransferClaimed
	}
	return nil
}

// Frame returns the frame whose locals the tier operates on.
func (t *Transfer) Frame() *Frame { return t.m.lf }

// Contains reports whether pc lies in the responsible range.
func (t *Transfer) Contains(pc int) bool {
	return pc >= t.LoopStart && pc <= t.LoopEnd
}

// OutcomeKind says how control left a tier.
type OutcomeKind uint8

const (
	OutcomeReturn   OutcomeKind = iota // The frame returned Value
	OutcomeYield                       // The generator yielded Value, resume at PC
	OutcomeFallBack                    // Continue in the baseline at (PC, StackTop)
	OutcomeRaise                       // Err raised by the instruction at PC
)

var outcomeNames = [...]string{"return", "yield", "fall-back", "raise"}

func (k OutcomeKind) String() string {
	if int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return "unknown"
}

// Outcome is the result of running in a tier.
type Outcome struct {
	Kind     OutcomeKind
	PC       int
	StackTop int
	Value    Value
	Err      error
}

func (o *Outcome) String() string {
	switch o.Kind {
	case OutcomeReturn:
		return fmt.Sprintf("return %s", o.Value)
	case OutcomeRaise:
		return fmt.Sprintf("raise at %04X (top %d): %v", o.PC, o.StackTop, o.Err)
	}
	return fmt.Sprintf("%s at %04X (top %d)", o.Kind, o.PC, o.StackTop)
}

// FallBack continues in the baseline.
func FallBack(pc, stackTop int) *Outcome {
	return &Outcome{Kind: OutcomeFallBack, PC: pc, StackTop: stackTop}
}

// Raise reports a fault of the instruction at pc.
func Raise(pc, stackTop int, err error) *Outcome {
	return &Outcome{Kind: OutcomeRaise, PC: pc, StackTop: stackTop, Err: err}
}

// NoTier declines every transfer.
type NoTier struct{}

func (NoTier) TryEnter(*Transfer) *Outcome { return nil }
