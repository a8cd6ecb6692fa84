package vm

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/strata/pkg/bytecode"
)

// recordingTier observes the hand-offs of an inner tier.
type recordingTier struct {
	inner Tier
	steps *[]StepEvent

	mu      sync.Mutex
	entries []entry
}

type entry struct {
	step     int // Index of the next baseline step
	pc, top  int
	outcome  *Outcome
	declined bool
}

func (r *recordingTier) TryEnter(t *Transfer) *Outcome {
	out := r.inner.TryEnter(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	step := 0
	if r.steps != nil {
		step = len(*r.steps)
	}
	r.entries = append(r.entries, entry{step: step, pc: t.PC, top: t.StackTop, outcome: out, declined: out == nil})
	return out
}

func TestOSRTransparency(t *testing.T) {
	code := sumLoop(t)
	const n = 100000

	base := newTestEngine()
	var baseSteps int
	base.OnStep = func(StepEvent) { baseSteps++ }
	want, err := call(t, base, code, nil, Int(n))
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if want.AsInt() != n*(n+1)/2 {
		t.Fatalf("baseline sum = %s", want)
	}

	e := newTestEngine()
	compiler := NewLoopCompiler(CompilerOptions{Sync: true})
	defer compiler.Stop()
	var steps []StepEvent
	rec := &recordingTier{inner: NewClosureTier(compiler), steps: &steps}
	e.Tier = rec
	e.Policy = NewThresholdPolicy(10)
	e.OnStep = func(ev StepEvent) { steps = append(steps, ev) }

	got, err := call(t, e, code, nil, Int(n))
	if err != nil {
		t.Fatalf("tiered: %v", err)
	}
	if !Identical(got, want) {
		t.Fatalf("tiered sum = %s, want %s", got, want)
	}
	if len(rec.entries) == 0 {
		t.Fatal("loop never handed off")
	}
	if len(steps) >= baseSteps {
		t.Errorf("tier ran %d baseline steps, baseline alone %d", len(steps), baseSteps)
	}

	for _, en := range rec.entries {
		edge := steps[en.step-1]
		if edge.Op != bytecode.OpJumpBackward {
			t.Fatalf("hand-off after %s", edge.Op)
		}
		if en.pc != edge.NextPC || en.top != edge.TopAfter {
			t.Errorf("transfer (%04X, %d), baseline left at (%04X, %d)", en.pc, en.top, edge.NextPC, edge.TopAfter)
		}
		if en.declined || en.outcome.Kind != OutcomeFallBack {
			continue
		}
		resumed := steps[en.step]
		if resumed.PC != en.outcome.PC || resumed.TopBefore != en.outcome.StackTop {
			t.Errorf("fall back to (%04X, %d), baseline resumed at (%04X, %d)",
				en.outcome.PC, en.outcome.StackTop, resumed.PC, resumed.TopBefore)
		}
	}
	if s := compiler.Stats(); s.LoopsCompiled != 1 {
		t.Errorf("compiled %d loops, want 1", s.LoopsCompiled)
	}
}

// checkedLoop counts i up and calls check(i) each iteration; check fails at 30
// and the handler around the loop returns i.
func checkedLoop(t *testing.T) *bytecode.CodeUnit {
	b := bytecode.NewBuilder("checked")
	i := b.Local("i")
	b.LoadInt(0).Emit(bytecode.OpStoreFast, i)
	head := b.Here()
	handler := b.NewLabel()
	b.Emit(bytecode.OpLoadFast, i).LoadInt(1).Emit(bytecode.OpBinaryOp, opAdd).Emit(bytecode.OpStoreFast, i)
	b.Emit(bytecode.OpLoadGlobal, b.Name("check")).Emit(bytecode.OpLoadFast, i).Emit(bytecode.OpCallFunction, 1)
	b.Emit(bytecode.OpPopTop)
	b.EmitJump(bytecode.OpJumpBackward, head)
	b.Place(handler)
	b.Emit(bytecode.OpPopTop).Emit(bytecode.OpLoadFast, i).Emit(bytecode.OpReturnValue)
	b.Protect(head, handler, handler, 0)
	return build(t, b)
}

func TestOSRRaiseRoutesToHandler(t *testing.T) {
	globals := NewNamespace()
	globals.Set("check", Ref(native(func(args []Value) (Value, error) {
		if args[0].AsInt() == 30 {
			return Value{}, fmt.Errorf("stop at %d", args[0].AsInt())
		}
		return None, nil
	})))
	code := checkedLoop(t)

	for _, tiered := range []bool{false, true} {
		e := newTestEngine()
		rec := &recordingTier{inner: NoTier{}}
		if tiered {
			compiler := NewLoopCompiler(CompilerOptions{Sync: true})
			defer compiler.Stop()
			rec.inner = NewClosureTier(compiler)
		}
		e.Tier = rec
		e.Policy = NewThresholdPolicy(5)

		got, err := call(t, e, code, globals)
		if err != nil {
			t.Fatalf("tiered=%v: %v", tiered, err)
		}
		if got.AsInt() != 30 {
			t.Errorf("tiered=%v: result %s, want 30", tiered, got)
		}
		if !tiered {
			continue
		}
		var raised bool
		for _, en := range rec.entries {
			if en.outcome != nil && en.outcome.Kind == OutcomeRaise {
				raised = true
			}
		}
		if !raised {
			t.Error("tier never reported the fault")
		}
	}
}

func TestOSRConcurrentInvocations(t *testing.T) {
	code := sumLoop(t)
	e := newTestEngine()
	compiler := NewLoopCompiler(CompilerOptions{Workers: 2})
	defer compiler.Stop()
	e.Tier = NewClosureTier(compiler)
	e.Policy = NewThresholdPolicy(50)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for k := 0; k < 5; k++ {
				v, err := e.Call(Ref(e.NewFunction(code, nil)), []Value{Int(2000)}, nil)
				if err != nil {
					return err
				}
				if v.AsInt() != 2001000 {
					return fmt.Errorf("sum = %s", v)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestTransferClaimOnce(t *testing.T) {
	tr := &Transfer{}
	if err := tr.Claim(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Claim(); !errors.Is(err, ErrTransferClaimed) {
		t.Errorf("second claim: %v", err)
	}
}

func TestNoTierDeclines(t *testing.T) {
	if out := (NoTier{}).TryEnter(&Transfer{}); out != nil {
		t.Errorf("NoTier returned %v", out)
	}
}

// ---------------------------------------------------------------------------
// Loop compiler
// ---------------------------------------------------------------------------

func loopKeyOf(t *testing.T, code *bytecode.CodeUnit) LoopKey {
	t.Helper()
	ins, err := code.Instructions()
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range ins {
		if in.Op == bytecode.OpJumpBackward {
			return LoopKey{Unit: Fingerprint(code), Head: in.Target(), Edge: in.Start}
		}
	}
	t.Fatal("no loop")
	return LoopKey{}
}

func TestLoopCompilerAsync(t *testing.T) {
	code := sumLoop(t)
	key := loopKeyOf(t, code)

	compiled := make(chan *CompiledLoop, 1)
	c := NewLoopCompiler(CompilerOptions{Workers: 1, QueueSize: 4})
	c.OnCompiled = func(l *CompiledLoop) { compiled <- l }
	defer c.Stop()

	l, err := c.Request(code, key)
	if err != nil || l != nil {
		t.Fatalf("async Request = %v, %v; want nil, nil", l, err)
	}
	select {
	case l = <-compiled:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never compiled")
	}
	if l.Key != key || l.Start != key.Head || l.End != key.Edge {
		t.Errorf("compiled %v for %v", l, key)
	}
	if c.Lookup(key) != l {
		t.Error("Lookup does not return the compiled loop")
	}
	if again, _ := c.Request(code, key); again != l {
		t.Error("second Request did not reuse the compiled loop")
	}
	if s := c.Stats(); s.LoopsCompiled != 1 || s.Resident != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestLoopCompilerRejectsBadRange(t *testing.T) {
	code := sumLoop(t)
	key := loopKeyOf(t, code)
	key.Head++

	c := NewLoopCompiler(CompilerOptions{Sync: true})
	defer c.Stop()
	if _, err := c.Request(code, key); !errors.Is(err, ErrLoopShape) {
		t.Fatalf("err = %v, want ErrLoopShape", err)
	}
	if c.Failed(key) == nil {
		t.Error("failure not remembered")
	}
	if _, err := c.Request(code, key); !errors.Is(err, ErrLoopShape) {
		t.Error("failed loop was retried")
	}
	if s := c.Stats(); s.Failures != 1 {
		t.Errorf("failures = %d, want 1", s.Failures)
	}
}

func TestLoopCompilerDedup(t *testing.T) {
	code := sumLoop(t)
	key := loopKeyOf(t, code)
	c := NewLoopCompiler(CompilerOptions{Sync: true})
	defer c.Stop()

	var g errgroup.Group
	loops := make([]*CompiledLoop, 16)
	for i := range loops {
		g.Go(func() error {
			l, err := c.Request(code, key)
			loops[i] = l
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, l := range loops {
		if l != loops[0] {
			t.Fatal("concurrent requests produced different loops")
		}
	}
	if s := c.Stats(); s.LoopsCompiled != 1 {
		t.Errorf("compiled %d times", s.LoopsCompiled)
	}
}
