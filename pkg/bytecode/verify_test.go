package bytecode

import (
	"errors"
	"testing"
)

func TestVerifyStackUnderflow(t *testing.T) {
	c := &CodeUnit{Name: "under", Code: []byte{byte(OpPopTop), byte(OpLoadNone), byte(OpReturnValue)}}
	if _, err := Verify(c); !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("Verify error = %v, want ErrStackUnderflow", err)
	}
}

func TestVerifyMergeMismatch(t *testing.T) {
	// LOAD_TRUE; POP_AND_JUMP_IF_FALSE +3; LOAD_NONE; LOAD_NONE; RETURN_VALUE
	// The jump reaches the second LOAD_NONE with depth 0, fallthrough with 1.
	c := &CodeUnit{Name: "merge", Code: []byte{
		byte(OpLoadTrue),
		byte(OpPopAndJumpIfFalse), 3,
		byte(OpLoadNone),
		byte(OpLoadNone),
		byte(OpReturnValue),
	}}
	if _, err := Verify(c); !errors.Is(err, ErrStackMismatch) {
		t.Errorf("Verify error = %v, want ErrStackMismatch", err)
	}
}

func TestVerifyBadJump(t *testing.T) {
	c := &CodeUnit{Name: "jump", Code: []byte{
		byte(OpJumpForward), 1, // lands inside its own operand
		byte(OpLoadNone),
		byte(OpReturnValue),
	}}
	if _, err := Verify(c); !errors.Is(err, ErrBadJump) {
		t.Errorf("Verify error = %v, want ErrBadJump", err)
	}

	fallOff := &CodeUnit{Name: "falloff", Code: []byte{byte(OpNop)}}
	if _, err := Verify(fallOff); !errors.Is(err, ErrBadJump) {
		t.Errorf("Verify error = %v, want ErrBadJump", err)
	}
}

func TestVerifyDeclaredStackTooSmall(t *testing.T) {
	c := &CodeUnit{Name: "small", StackSize: 1, Code: []byte{
		byte(OpLoadNone), byte(OpLoadNone), byte(OpBinaryOp), 0, byte(OpReturnValue),
	}}
	if _, err := Verify(c); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("Verify error = %v, want ErrStackOverflow", err)
	}
}

func TestVerifyHandlerDepth(t *testing.T) {
	// 0 LOAD_NONE
	// 1 LOAD_NONE      protected, depth 1
	// 2 POP_TOP
	// 3 RETURN_VALUE
	// 4 POP_TOP        handler: exception on top of depth 1
	// 5 RETURN_VALUE
	ranges, err := NewRangeTable(ExceptionRange{Start: 1, End: 3, Handler: 4, StackDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	c := &CodeUnit{Name: "handler", ExceptionRanges: ranges, Code: []byte{
		byte(OpLoadNone), byte(OpLoadNone), byte(OpPopTop), byte(OpReturnValue),
		byte(OpPopTop), byte(OpReturnValue),
	}}
	size, err := Verify(c)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if size != 2 {
		t.Errorf("stack size = %d, want 2", size)
	}

	// A range whose depth exceeds the live stack is rejected.
	c.ExceptionRanges = RangeTable{{Start: 0, End: 3, Handler: 4, StackDepth: 1}}
	if _, err := Verify(c); !errors.Is(err, ErrStackMismatch) {
		t.Errorf("Verify error = %v, want ErrStackMismatch", err)
	}
}

func TestVerifyGeneratorBody(t *testing.T) {
	b := NewBuilder("gen").SetFlags(FlagGenerator)
	b.LoadInt(1).Emit(OpYieldValue).Emit(OpResumeYield).Emit(OpPopTop)
	b.Emit(OpLoadNone).Emit(OpReturnValue)
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.StackSize != 1 {
		t.Errorf("StackSize = %d, want 1", c.StackSize)
	}
	if !c.IsGenerator() {
		t.Error("IsGenerator() = false")
	}
}

func TestVerifyWithBlock(t *testing.T) {
	// with mgr: pass
	b := NewBuilder("with")
	b.Emit(OpLoadGlobal, b.Name("mgr")).Emit(OpSetupWith)
	start := b.Here()
	exit := b.NewLabel()
	b.Emit(OpPopTop)
	end := b.Here()
	b.Emit(OpLoadNone)
	b.Place(exit)
	b.Emit(OpExitWith).Emit(OpLoadNone).Emit(OpReturnValue)
	b.Protect(start, end, exit, 2)
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.StackSize != 3 {
		t.Errorf("StackSize = %d, want 3", c.StackSize)
	}

	// The handler must see exit and manager below the exception.
	r := c.ExceptionRanges[0]
	r.StackDepth = 1
	c.ExceptionRanges = RangeTable{r}
	if _, err := Verify(c); !errors.Is(err, ErrStackMismatch) {
		t.Errorf("Verify error = %v, want ErrStackMismatch", err)
	}
}

func TestVerifyNameOperands(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"delete name", []byte{byte(OpDeleteName), 0, byte(OpLoadNone), byte(OpReturnValue)}},
		{"make keyword", []byte{byte(OpLoadNone), byte(OpMakeKeyword), 0, byte(OpReturnValue)}},
		{"call method varargs", []byte{byte(OpLoadNone), byte(OpLoadNone),
			byte(OpCallMethodVarargs), 0, byte(OpReturnValue)}},
	}
	for _, tt := range tests {
		c := &CodeUnit{Name: tt.name, Code: tt.code}
		if _, err := Verify(c); !errors.Is(err, ErrOperandRange) {
			t.Errorf("%s: Verify error = %v, want ErrOperandRange", tt.name, err)
		}
		c.Names = []string{"x"}
		if _, err := Verify(c); err != nil {
			t.Errorf("%s: Verify with a name table: %v", tt.name, err)
		}
	}
}
