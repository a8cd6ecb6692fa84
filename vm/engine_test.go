package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/strata/pkg/bytecode"
)

func TestEngineSumLoop(t *testing.T) {
	e := newTestEngine()
	got, err := call(t, e, sumLoop(t), nil, Int(100))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !got.IsInt() || got.AsInt() != 5050 {
		t.Errorf("sum(100) = %s, want 5050", got)
	}
}

// checkSteps installs an OnStep hook that checks each instruction's stack
// delta against the catalogue and each taken jump against its decoded
// target. Frames are pooled, so the checks run inside the hook. The
// returned map counts the opcodes executed.
func checkSteps(t *testing.T, e *Engine) map[bytecode.Opcode]int {
	t.Helper()
	seen := make(map[bytecode.Opcode]int)
	e.OnStep = func(ev StepEvent) {
		seen[ev.Op]++
		sequential := ev.NextPC == ev.PC+ev.Width
		delta := bytecode.NetStackEffect(ev.Op, ev.Arg, ev.Arg2, !sequential)
		if got := ev.TopAfter - ev.TopBefore; got != delta {
			t.Errorf("%s: %s at %04X: stack delta %d, want %d", ev.Frame.Code.Name, ev.Op, ev.PC, got, delta)
		}
		if !sequential && ev.Op.IsJump() {
			in, err := bytecode.Decode(ev.Frame.Code.Code, ev.PC)
			if err != nil {
				t.Errorf("decode at %04X: %v", ev.PC, err)
				return
			}
			if ev.NextPC != in.Target() {
				t.Errorf("%s at %04X: next %04X, want %04X", ev.Op, ev.PC, ev.NextPC, in.Target())
			}
		}
	}
	return seen
}

func TestEngineStepDeltas(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, e *Engine) (Value, error)
		want int64
		ops  []bytecode.Opcode
	}{
		{"sum loop", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, sumLoop(t), nil, Int(5))
		}, 15, []bytecode.Opcode{bytecode.OpPopAndJumpIfFalse, bytecode.OpJumpBackward}},
		{"handled exception", func(t *testing.T, e *Engine) (Value, error) {
			v, err := call(t, e, handled(t, "boom"), nil)
			if err == nil && v.AsRef() != "boom" {
				t.Errorf("handler returned %s", v)
			}
			return v, err
		}, -1, []bytecode.Opcode{bytecode.OpPushExcInfo, bytecode.OpMatchExcOrJump,
			bytecode.OpUnwrapExc, bytecode.OpPopExcept}},
		{"unmatched exception", func(t *testing.T, e *Engine) (Value, error) {
			v, err := call(t, e, handled(t, "other"), nil)
			if err == nil {
				t.Error("unmatched exception was swallowed")
			}
			return v, nil
		}, -1, []bytecode.Opcode{bytecode.OpMatchExcOrJump}},
		{"unpack ex", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, unpackEx(t), nil)
		}, -1, []bytecode.Opcode{bytecode.OpUnpackEx, bytecode.OpCollectionFromStack}},
		{"closure", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, closure(t), nil)
		}, 5, []bytecode.Opcode{bytecode.OpLoadClosure, bytecode.OpClosureFromStack,
			bytecode.OpMakeFunction, bytecode.OpCallFunction, bytecode.OpLoadDeref}},
		{"generator", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, total(t), countGlobals(t, e))
		}, 6, []bytecode.Opcode{bytecode.OpGetIter, bytecode.OpForIter,
			bytecode.OpYieldValue, bytecode.OpResumeYield}},
		{"keyword call", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, kwCaller(t), nil)
		}, -1, []bytecode.Opcode{bytecode.OpMakeKeyword, bytecode.OpCallFunctionKw}},
		{"with", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, withBlock(t, false), withGlobals(&ctxManager{entered: Int(7)}))
		}, 7, []bytecode.Opcode{bytecode.OpSetupWith, bytecode.OpExitWith}},
		{"with suppressed", func(t *testing.T, e *Engine) (Value, error) {
			return call(t, e, withBlock(t, true), withGlobals(&ctxManager{entered: Int(7), suppress: true}))
		}, 7, []bytecode.Opcode{bytecode.OpSetupWith, bytecode.OpExitWith}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			seen := checkSteps(t, e)
			got, err := tt.run(t, e)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if tt.want >= 0 && got.AsInt() != tt.want {
				t.Errorf("result = %s, want %d", got, tt.want)
			}
			for _, op := range tt.ops {
				if seen[op] == 0 {
					t.Errorf("%s never executed", op)
				}
			}
		})
	}
}

func TestEngineExceptionRange(t *testing.T) {
	b := bytecode.NewBuilder("guarded")
	b.LoadInt(7)
	start := b.Here()
	handler := b.NewLabel()
	b.LoadInt(1).LoadInt(2)
	b.Emit(bytecode.OpLoadGlobal, b.Name("missing"))
	b.Emit(bytecode.OpPopTop).Emit(bytecode.OpPopTop).Emit(bytecode.OpPopTop)
	b.Emit(bytecode.OpReturnValue)
	b.Place(handler)
	b.Emit(bytecode.OpPopTop).Emit(bytecode.OpReturnValue)
	b.Protect(start, handler, handler, -1)
	code := build(t, b)

	if d := code.ExceptionRanges[0].StackDepth; d != 1 {
		t.Fatalf("inferred depth = %d, want 1", d)
	}

	e := newTestEngine()
	var atHandler *StepEvent
	e.OnStep = func(ev StepEvent) {
		if ev.PC == code.ExceptionRanges[0].Handler {
			atHandler = &ev
		}
	}
	got, err := call(t, e, code, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.AsInt() != 7 {
		t.Errorf("result = %s, want 7", got)
	}
	if atHandler == nil {
		t.Fatal("handler never ran")
	}
	// Stack truncated to depth 1, then the exception pushed.
	if atHandler.TopBefore != 1 {
		t.Errorf("handler entered with top %d, want 1", atHandler.TopBefore)
	}
}

func TestEngineUnhandledSetsPC(t *testing.T) {
	b := bytecode.NewBuilder("fails")
	b.Emit(bytecode.OpNop)
	b.Emit(bytecode.OpLoadGlobal, b.Name("nope"))
	b.Emit(bytecode.OpReturnValue)
	code := build(t, b)

	e := newTestEngine()
	_, err := call(t, e, code, nil)
	if !errors.Is(err, ErrNameNotDefined) {
		t.Fatalf("err = %v, want ErrNameNotDefined", err)
	}
	if err.Error() != "name 'nope' is not defined" {
		t.Errorf("message = %q", err.Error())
	}
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatal("error is not an *Exception")
	}
	if len(exc.Trace) != 1 || exc.Trace[0].PC != 1 {
		t.Errorf("trace = %v, want one entry at pc 1", exc.Trace)
	}
}

func TestEngineUnboundLocal(t *testing.T) {
	b := bytecode.NewBuilder("f")
	x := b.Local("x")
	b.Emit(bytecode.OpLoadFast, x).Emit(bytecode.OpReturnValue)

	_, err := call(t, newTestEngine(), build(t, b), nil)
	if !errors.Is(err, ErrUnboundVariable) {
		t.Fatalf("err = %v, want ErrUnboundVariable", err)
	}
	if !strings.Contains(err.Error(), "local variable 'x' referenced before assignment") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestEngineExceptionContext(t *testing.T) {
	b := bytecode.NewBuilder("nested")
	start := b.Here()
	handler := b.NewLabel()
	b.Emit(bytecode.OpLoadGlobal, b.Name("first"))
	b.Emit(bytecode.OpReturnValue)
	b.Place(handler)
	b.Emit(bytecode.OpPushExcInfo)
	b.Emit(bytecode.OpLoadGlobal, b.Name("second"))
	b.Emit(bytecode.OpPopTop).Emit(bytecode.OpPopTop).Emit(bytecode.OpPopExcept)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	b.Protect(start, handler, handler, 0)

	_, err := call(t, newTestEngine(), build(t, b), nil)
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatalf("err = %v, want *Exception", err)
	}
	if exc.Error() != "name 'second' is not defined" {
		t.Errorf("raised %q", exc.Error())
	}
	if exc.Context == nil || exc.Context.Error() != "name 'first' is not defined" {
		t.Errorf("context = %v, want the first error", exc.Context)
	}
	if !strings.Contains(exc.Traceback(), "During handling of the above exception") {
		t.Errorf("traceback missing context:\n%s", exc.Traceback())
	}
}

func TestEngineReraise(t *testing.T) {
	b := bytecode.NewBuilder("reraise")
	start := b.Here()
	handler := b.NewLabel()
	b.Emit(bytecode.OpLoadGlobal, b.Name("gone"))
	b.Emit(bytecode.OpReturnValue)
	b.Place(handler)
	b.Emit(bytecode.OpPushExcInfo)
	b.Emit(bytecode.OpRaiseVarargs, 0)
	b.Protect(start, handler, handler, 0)

	_, err := call(t, newTestEngine(), build(t, b), nil)
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatalf("err = %v, want *Exception", err)
	}
	if !errors.Is(err, ErrNameNotDefined) {
		t.Errorf("re-raised %v", err)
	}
	if exc.Context != nil {
		t.Error("re-raised exception chained onto itself")
	}
	if len(exc.Trace) != 1 || exc.Trace[0].PC != 0 {
		t.Errorf("trace = %v, want the original raise point", exc.Trace)
	}
}

func TestEngineRaiseWithoutActive(t *testing.T) {
	b := bytecode.NewBuilder("bare")
	b.Emit(bytecode.OpRaiseVarargs, 0)
	_, err := call(t, newTestEngine(), build(t, b), nil)
	if !errors.Is(err, ErrNoActiveException) {
		t.Errorf("err = %v, want ErrNoActiveException", err)
	}
}

func TestEngineRecursionLimit(t *testing.T) {
	b := bytecode.NewBuilder("down")
	b.Emit(bytecode.OpLoadGlobal, b.Name("down"))
	b.Emit(bytecode.OpCallFunction, 0)
	b.Emit(bytecode.OpReturnValue)
	code := build(t, b)

	e := newTestEngine()
	e.MaxDepth = 50
	globals := NewNamespace()
	globals.Set("down", Ref(e.NewFunction(code, globals)))

	_, err := call(t, e, code, globals)
	if !IsResourceError(err) {
		t.Fatalf("err = %v, want a resource error", err)
	}
	var exc *Exception
	if errors.As(err, &exc) && len(exc.Trace) != 50 {
		t.Errorf("trace has %d entries, want 50", len(exc.Trace))
	}
}

func TestEngineUnknownOpcode(t *testing.T) {
	code := &bytecode.CodeUnit{Name: "junk", Code: []byte{0xEE}}
	_, err := newTestEngine().RunModule(code, nil)
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}
}

func TestEngineMissingHandler(t *testing.T) {
	b := bytecode.NewBuilder("sub")
	b.LoadInt(1).LoadInt(2).Emit(bytecode.OpBinarySubscr).Emit(bytecode.OpReturnValue)
	_, err := call(t, newTestEngine(), build(t, b), nil)
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}
}

func TestEngineModuleNames(t *testing.T) {
	b := bytecode.NewBuilder("<module>")
	b.LoadInt(3).Emit(bytecode.OpStoreName, b.Name("x"))
	b.Emit(bytecode.OpLoadName, b.Name("x")).Emit(bytecode.OpLoadName, b.Name("y"))
	b.Emit(bytecode.OpBinaryOp, opAdd).Emit(bytecode.OpReturnValue)
	code := build(t, b)

	e := newTestEngine()
	e.Builtins.Set("y", Int(4))
	globals := NewNamespace()
	got, err := e.RunModule(code, globals)
	if err != nil {
		t.Fatalf("RunModule: %v", err)
	}
	if got.AsInt() != 7 {
		t.Errorf("result = %s, want 7", got)
	}
	if v, ok := globals.Get("x"); !ok || v.AsInt() != 3 {
		t.Errorf("x = %s, %v", v, ok)
	}
}

func TestEngineStackOps(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *bytecode.Builder)
		want []int64
	}{
		{"rot_two", func(b *bytecode.Builder) {
			b.LoadInt(1).LoadInt(2).Emit(bytecode.OpRotTwo)
		}, []int64{2, 1}},
		{"rot_three", func(b *bytecode.Builder) {
			b.LoadInt(1).LoadInt(2).LoadInt(3).Emit(bytecode.OpRotThree)
		}, []int64{3, 1, 2}},
		{"dup_top", func(b *bytecode.Builder) {
			b.LoadInt(5).Emit(bytecode.OpDupTop)
		}, []int64{5, 5}},
		{"load_long", func(b *bytecode.Builder) {
			b.LoadInt(-1000).LoadInt(-3)
		}, []int64{-1000, -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bytecode.NewBuilder(tt.name)
			tt.emit(b)
			b.Emit(bytecode.OpCollectionFromStack, bytecode.PackCollection(len(tt.want), bytecode.CollectionTuple))
			b.Emit(bytecode.OpReturnValue)
			got, err := call(t, newTestEngine(), build(t, b), nil)
			if err != nil {
				t.Fatalf("call: %v", err)
			}
			items := got.AsRef().(*list).items
			for i, w := range tt.want {
				if items[i].AsInt() != w {
					t.Errorf("item %d = %s, want %d", i, items[i], w)
				}
			}
		})
	}
}

// unpackEx returns (4, [2, 3], 1) from a, *rest, b = [1, 2, 3, 4].
func unpackEx(t *testing.T) *bytecode.CodeUnit {
	b := bytecode.NewBuilder("unpack")
	b.LoadInt(1).LoadInt(2).LoadInt(3).LoadInt(4)
	b.Emit(bytecode.OpCollectionFromStack, bytecode.PackCollection(4, bytecode.CollectionList))
	b.Emit(bytecode.OpUnpackEx, 1, 1)
	// Stack: 4 [2 3] 1 (1 on top)
	b.Emit(bytecode.OpCollectionFromStack, bytecode.PackCollection(3, bytecode.CollectionTuple))
	b.Emit(bytecode.OpReturnValue)
	return build(t, b)
}

func TestEngineUnpack(t *testing.T) {
	got, err := call(t, newTestEngine(), unpackEx(t), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	items := got.AsRef().(*list).items
	if items[0].AsInt() != 4 || items[2].AsInt() != 1 {
		t.Errorf("items = %v", items)
	}
	if rest := items[1].AsRef().(*list).items; len(rest) != 2 || rest[0].AsInt() != 2 {
		t.Errorf("rest = %v", rest)
	}
}

func TestEngineAddToCollection(t *testing.T) {
	b := bytecode.NewBuilder("build")
	b.Emit(bytecode.OpCollectionFromStack, bytecode.PackCollection(0, bytecode.CollectionList))
	b.LoadInt(9)
	b.LoadInt(1).Emit(bytecode.OpAddToCollection, bytecode.PackCollection(2, bytecode.CollectionList))
	b.Emit(bytecode.OpPopTop).Emit(bytecode.OpReturnValue)

	got, err := call(t, newTestEngine(), build(t, b), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	items := got.AsRef().(*list).items
	if len(items) != 1 || items[0].AsInt() != 1 {
		t.Errorf("items = %v, want [1]", items)
	}
}

func TestEngineArguments(t *testing.T) {
	b := bytecode.NewBuilder("pair").SetArgs(2, 0, 0)
	a := b.Local("a")
	c := b.Local("b")
	b.Emit(bytecode.OpLoadFast, a).Emit(bytecode.OpLoadFast, c).Emit(bytecode.OpBinaryOp, opAdd)
	b.Emit(bytecode.OpReturnValue)
	code := build(t, b)

	e := newTestEngine()
	fn := e.NewFunction(code, nil)
	fn.Defaults = []Value{Int(10)}

	got, err := e.Call(Ref(fn), []Value{Int(1)}, nil)
	if err != nil || got.AsInt() != 11 {
		t.Errorf("pair(1) = %s, %v; want 11", got, err)
	}
	got, err = e.Call(Ref(fn), []Value{Int(1)}, []Keyword{{Name: "b", Value: Int(2)}})
	if err != nil || got.AsInt() != 3 {
		t.Errorf("pair(1, b=2) = %s, %v; want 3", got, err)
	}
	if _, err := e.Call(Ref(fn), []Value{Int(1), Int(2), Int(3)}, nil); !errors.Is(err, ErrArgument) {
		t.Errorf("too many args: err = %v", err)
	}
	if _, err := e.Call(Ref(fn), nil, []Keyword{{Name: "c", Value: Int(2)}}); !errors.Is(err, ErrArgument) {
		t.Errorf("unknown keyword: err = %v", err)
	}
}

// handled raises "boom" and catches it with an except clause matching
// kind, returning the caught value. Other kinds are re-raised.
func handled(t *testing.T, kind string) *bytecode.CodeUnit {
	b := bytecode.NewBuilder("handled")
	start := b.Here()
	handler := b.NewLabel()
	reraise := b.NewLabel()
	b.Emit(bytecode.OpLoadConst, b.Const("boom")).Emit(bytecode.OpRaiseVarargs, 1)
	b.Place(handler)
	b.Emit(bytecode.OpPushExcInfo)
	b.Emit(bytecode.OpLoadConst, b.Const(kind))
	b.EmitJump(bytecode.OpMatchExcOrJump, reraise)
	b.Emit(bytecode.OpUnwrapExc).Emit(bytecode.OpRotTwo).Emit(bytecode.OpPopExcept)
	b.Emit(bytecode.OpReturnValue)
	b.Place(reraise)
	b.Emit(bytecode.OpEndExcHandler)
	b.Protect(start, handler, handler, 0)
	return build(t, b)
}

// kwCaller returns pair(1, b=2) as the tuple (a, b).
func kwCaller(t *testing.T) *bytecode.CodeUnit {
	pb := bytecode.NewBuilder("pair").SetArgs(2, 0, 0)
	a, c := pb.Local("a"), pb.Local("b")
	pb.Emit(bytecode.OpLoadFast, a).Emit(bytecode.OpLoadFast, c)
	pb.Emit(bytecode.OpCollectionFromStack, bytecode.PackCollection(2, bytecode.CollectionTuple))
	pb.Emit(bytecode.OpReturnValue)
	pair := build(t, pb)

	b := bytecode.NewBuilder("caller")
	b.Emit(bytecode.OpMakeFunction, b.Const(pair), 0)
	b.LoadInt(1)
	b.LoadInt(2).Emit(bytecode.OpMakeKeyword, b.Name("b"))
	b.Emit(bytecode.OpCallFunctionKw, 1, 1)
	b.Emit(bytecode.OpReturnValue)
	return build(t, b)
}

// withBlock builds
//
//	with mgr as v:
//	    raise boom   (when raise is set)
//	return v
func withBlock(t *testing.T, raise bool) *bytecode.CodeUnit {
	b := bytecode.NewBuilder("with")
	v := b.Local("v")
	b.Emit(bytecode.OpLoadGlobal, b.Name("mgr"))
	b.Emit(bytecode.OpSetupWith)
	start := b.Here()
	exit := b.NewLabel()
	b.Emit(bytecode.OpStoreFast, v)
	if raise {
		b.Emit(bytecode.OpLoadGlobal, b.Name("boom")).Emit(bytecode.OpRaiseVarargs, 1)
	}
	end := b.Here()
	b.Emit(bytecode.OpLoadNone)
	b.Place(exit)
	b.Emit(bytecode.OpExitWith)
	b.Emit(bytecode.OpLoadFast, v).Emit(bytecode.OpReturnValue)
	b.Protect(start, end, exit, 2)
	return build(t, b)
}

func withGlobals(mgr *ctxManager) Namespace {
	globals := NewNamespace()
	globals.Set("mgr", Ref(mgr))
	globals.Set("boom", Ref("boom"))
	return globals
}

func TestEngineWith(t *testing.T) {
	exitFailed := errors.New("exit failed")
	tests := []struct {
		name    string
		raise   bool
		mgr     *ctxManager
		want    int64
		wantErr error
		wantExc bool // exit saw the body's exception
	}{
		{name: "normal", mgr: &ctxManager{entered: Int(7)}, want: 7},
		{name: "raised", raise: true, mgr: &ctxManager{entered: Int(7)}, wantExc: true},
		{name: "suppressed", raise: true, mgr: &ctxManager{entered: Int(7), suppress: true}, want: 7, wantExc: true},
		{name: "exit fails", mgr: &ctxManager{entered: Int(7), exitErr: exitFailed}, wantErr: exitFailed},
		{name: "exit fails while raising", raise: true,
			mgr: &ctxManager{entered: Int(7), exitErr: exitFailed}, wantErr: exitFailed, wantExc: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := call(t, newTestEngine(), withBlock(t, tt.raise), withGlobals(tt.mgr))
			if tt.mgr.exits != 1 {
				t.Errorf("exit called %d times, want 1", tt.mgr.exits)
			}
			if (tt.mgr.exc != nil) != tt.wantExc {
				t.Errorf("exit saw exception %v, want %v", tt.mgr.exc, tt.wantExc)
			}
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if tt.wantExc {
					var exc *Exception
					errors.As(err, &exc)
					if exc.Context != tt.mgr.exc {
						t.Errorf("context = %v, want the body's exception", exc.Context)
					}
				}
			case tt.raise && !tt.mgr.suppress:
				var exc *Exception
				if !errors.As(err, &exc) || exc.Value.AsRef() != "boom" {
					t.Fatalf("err = %v, want the body's exception", err)
				}
			default:
				if err != nil {
					t.Fatalf("call: %v", err)
				}
				if got.AsInt() != tt.want {
					t.Errorf("result = %s, want %d", got, tt.want)
				}
			}
		})
	}

	// A value that is not a context manager fails on entry.
	globals := withGlobals(nil)
	globals.Set("mgr", Int(1))
	if _, err := call(t, newTestEngine(), withBlock(t, false), globals); err == nil {
		t.Error("entering a plain int succeeded")
	}
}

func TestEngineCallFunctionKw(t *testing.T) {
	got, err := call(t, newTestEngine(), kwCaller(t), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	items := got.AsRef().(*list).items
	if items[0].AsInt() != 1 || items[1].AsInt() != 2 {
		t.Errorf("pair(1, b=2) = %v", items)
	}

	// Keyword operands must come from MAKE_KEYWORD.
	b := bytecode.NewBuilder("bare")
	b.Emit(bytecode.OpLoadGlobal, b.Name("f")).LoadInt(1).LoadInt(2)
	b.Emit(bytecode.OpCallFunctionKw, 1, 1).Emit(bytecode.OpReturnValue)
	globals := NewNamespace()
	globals.Set("f", Ref(native(func([]Value) (Value, error) { return None, nil })))
	if _, err := call(t, newTestEngine(), build(t, b), globals); !errors.Is(err, ErrArgument) {
		t.Errorf("err = %v, want ErrArgument", err)
	}
}

func TestEngineCallMethodVarargs(t *testing.T) {
	b := bytecode.NewBuilder("spread")
	b.Emit(bytecode.OpLoadGlobal, b.Name("obj"))
	b.LoadInt(3).LoadInt(4)
	b.Emit(bytecode.OpCollectionFromStack, bytecode.PackCollection(2, bytecode.CollectionList))
	b.Emit(bytecode.OpCallMethodVarargs, b.Name("sum"))
	b.Emit(bytecode.OpReturnValue)

	globals := NewNamespace()
	globals.Set("obj", Ref(object{"sum": func(args []Value) (Value, error) {
		var n int64
		for _, a := range args {
			n += a.AsInt()
		}
		return Int(n), nil
	}}))
	got, err := call(t, newTestEngine(), build(t, b), globals)
	if err != nil || got.AsInt() != 7 {
		t.Errorf("obj.sum(*[3, 4]) = %s, %v; want 7", got, err)
	}
}

func TestEngineDeleteName(t *testing.T) {
	b := bytecode.NewBuilder("<module>")
	x := b.Name("x")
	b.LoadInt(3).Emit(bytecode.OpStoreName, x)
	b.Emit(bytecode.OpDeleteName, x)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)

	e := newTestEngine()
	globals := NewNamespace()
	if _, err := e.RunModule(build(t, b), globals); err != nil {
		t.Fatalf("RunModule: %v", err)
	}
	if _, ok := globals.Get("x"); ok {
		t.Error("x still bound after DELETE_NAME")
	}

	b = bytecode.NewBuilder("<module>")
	b.Emit(bytecode.OpDeleteName, b.Name("y"))
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	_, err := e.RunModule(build(t, b), NewNamespace())
	if !errors.Is(err, ErrNameNotDefined) || err.Error() != "name 'y' is not defined" {
		t.Errorf("err = %v, want name 'y' is not defined", err)
	}
}

func TestEngineForget(t *testing.T) {
	inner := counter(t, "inner", 1)
	ob := bytecode.NewBuilder("outer")
	ob.Emit(bytecode.OpMakeFunction, ob.Const(inner), 0)
	ob.Emit(bytecode.OpCallFunction, 0).Emit(bytecode.OpReturnValue)
	outer := build(t, ob)

	e := newTestEngine()
	if got, err := call(t, e, outer, nil); err != nil || got.AsInt() != 1 {
		t.Fatalf("outer() = %s, %v", got, err)
	}
	before, err := e.CellAssumption(inner, 0)
	if err != nil {
		t.Fatal(err)
	}

	e.Forget(outer)
	for _, c := range []*bytecode.CodeUnit{outer, inner} {
		if _, ok := e.units.Load(c); ok {
			t.Errorf("%s still cached", c.Name)
		}
	}

	if got, err := call(t, e, outer, nil); err != nil || got.AsInt() != 1 {
		t.Fatalf("outer() after Forget = %s, %v", got, err)
	}
	after, err := e.CellAssumption(inner, 0)
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Error("cell token survived Forget")
	}
}

func TestEveryOpcodeHasArm(t *testing.T) {
	for _, op := range bytecode.AllOpcodes() {
		if op == bytecode.OpExtendedArg {
			continue // folded into the next instruction by Decode
		}
		if arms[op] == nil {
			t.Errorf("%s has no arm", op)
		}
	}
}
