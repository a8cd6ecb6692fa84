package bytecode

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnboundLabel is returned by Build when a referenced label was never placed.
	ErrUnboundLabel = errors.New("label referenced but never placed")

	// ErrOperandRange is returned for operands that do not fit their encoding.
	ErrOperandRange = errors.New("operand out of range")
)

// Label names a code position that is resolved when the unit is built.
type Label int

// NoLabel marks an instruction without a branch target.
const NoLabel Label = -1

type pendingInstr struct {
	op       Opcode
	arg      int
	arg2     int
	target   Label
	prefixes int // EXTENDED_ARG count chosen for the current pass
	source   int // Source offset, -1 when unknown
}

type pendingRange struct {
	start, end, handler Label
	depth               int // -1 infers the depth at start
}

// Builder assembles a CodeUnit. Jumps refer to labels; Build resolves them,
// inserting EXTENDED_ARG prefixes where an offset does not fit one byte, and
// computes the stack size with the verifier.
type Builder struct {
	unit   CodeUnit
	instrs []pendingInstr
	labels []int // Label -> index into instrs, -1 until placed
	ranges []pendingRange
	source int

	consts map[any]int
	names  map[string]int
	err    error
}

// NewBuilder creates a builder for a code unit with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		unit:   CodeUnit{Name: name},
		source: -1,
		consts: make(map[any]int),
		names:  make(map[string]int),
	}
}

// SetFilename records the source file name.
func (b *Builder) SetFilename(name string) *Builder {
	b.unit.Filename = name
	return b
}

// SetFlags sets the code flags.
func (b *Builder) SetFlags(flags CodeFlags) *Builder {
	b.unit.Flags = flags
	return b
}

// SetArgs declares the argument counts. Arguments occupy the first locals.
func (b *Builder) SetArgs(positional, positionalOnly, kwOnly int) *Builder {
	b.unit.ArgCount = positional
	b.unit.PositionalOnlyArgCount = positionalOnly
	b.unit.KwOnlyArgCount = kwOnly
	return b
}

// Local declares a local variable and returns its slot.
func (b *Builder) Local(name string) int {
	for i, n := range b.unit.VarNames {
		if n == name {
			return i
		}
	}
	b.unit.VarNames = append(b.unit.VarNames, name)
	return len(b.unit.VarNames) - 1
}

// Cell declares a cell variable and returns its cell index. When the cell
// shadows an argument, argSlot names that argument, otherwise pass -1.
func (b *Builder) Cell(name string, argSlot int) int {
	b.unit.CellVars = append(b.unit.CellVars, name)
	b.unit.Cell2Arg = append(b.unit.Cell2Arg, argSlot)
	return len(b.unit.CellVars) - 1
}

// Free declares a free variable. Its index follows the cell variables, so
// free variables should be declared after all cells.
func (b *Builder) Free(name string) int {
	b.unit.FreeVars = append(b.unit.FreeVars, name)
	return len(b.unit.CellVars) + len(b.unit.FreeVars) - 1
}

// Name interns a global, attribute or import name.
func (b *Builder) Name(name string) int {
	if idx, ok := b.names[name]; ok {
		return idx
	}
	idx := len(b.unit.Names)
	b.unit.Names = append(b.unit.Names, name)
	b.names[name] = idx
	return idx
}

// Const adds an object constant. Comparable constants are de-duplicated.
func (b *Builder) Const(v any) int {
	if isComparable(v) {
		if idx, ok := b.consts[v]; ok {
			return idx
		}
	}
	idx := len(b.unit.Constants)
	b.unit.Constants = append(b.unit.Constants, v)
	if isComparable(v) {
		b.consts[v] = idx
	}
	return idx
}

func isComparable(v any) bool {
	switch v.(type) {
	case string, int, int64, float64, bool, nil:
		return true
	}
	return false
}

// Long adds an integer to the primitive pool.
func (b *Builder) Long(v int64) int {
	for i, p := range b.unit.PrimitiveConstants {
		if p == v {
			return i
		}
	}
	b.unit.PrimitiveConstants = append(b.unit.PrimitiveConstants, v)
	return len(b.unit.PrimitiveConstants) - 1
}

// Double adds a float to the primitive pool as its bit pattern.
func (b *Builder) Double(v float64) int {
	return b.Long(int64(math.Float64bits(v)))
}

// SourceAt sets the source offset attached to subsequently emitted
// instructions.
func (b *Builder) SourceAt(offset int) *Builder {
	b.source = offset
	return b
}

// NewLabel allocates an unplaced label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Place binds the label to the next emitted instruction.
func (b *Builder) Place(l Label) *Builder {
	b.labels[l] = len(b.instrs)
	return b
}

// Here allocates a label placed at the next emitted instruction.
func (b *Builder) Here() Label {
	l := b.NewLabel()
	b.Place(l)
	return l
}

// Emit appends a non-branch instruction.
func (b *Builder) Emit(op Opcode, operands ...int) *Builder {
	info := GetOpcodeInfo(op)
	if !op.IsValid() {
		b.fail(fmt.Errorf("%w 0x%02X", ErrUnknownOpcode, byte(op)))
		return b
	}
	if info.Branch {
		b.fail(fmt.Errorf("%s needs a label, use EmitJump", op))
		return b
	}
	if len(operands) != info.OperandLen {
		b.fail(fmt.Errorf("%w: %s takes %d operands, got %d", ErrOperandRange, op, info.OperandLen, len(operands)))
		return b
	}
	in := pendingInstr{op: op, target: NoLabel, source: b.source}
	if len(operands) > 0 {
		in.arg = operands[0]
		if in.arg < 0 {
			b.fail(fmt.Errorf("%w: %s operand %d", ErrOperandRange, op, in.arg))
		}
	}
	if len(operands) > 1 {
		in.arg2 = operands[1]
		if in.arg2 < 0 || in.arg2 > 0xFF {
			b.fail(fmt.Errorf("%w: %s second operand %d", ErrOperandRange, op, in.arg2))
		}
	}
	b.instrs = append(b.instrs, in)
	return b
}

// EmitJump appends a branch instruction targeting l.
func (b *Builder) EmitJump(op Opcode, l Label) *Builder {
	if !op.IsJump() {
		b.fail(fmt.Errorf("%s is not a branch", op))
		return b
	}
	b.instrs = append(b.instrs, pendingInstr{op: op, target: l, source: b.source})
	return b
}

// LoadInt emits the shortest load for an integer constant.
func (b *Builder) LoadInt(v int64) *Builder {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		return b.Emit(OpLoadByte, int(uint8(int8(v))))
	}
	return b.Emit(OpLoadLong, b.Long(v))
}

// LoadFloat emits a float load.
func (b *Builder) LoadFloat(v float64) *Builder {
	return b.Emit(OpLoadDouble, b.Double(v))
}

// Protect registers an exception range covering [start, end) whose handler
// is placed at handler. depth is the operand stack depth the handler
// expects, or -1 to use the depth at start.
func (b *Builder) Protect(start, end, handler Label, depth int) *Builder {
	b.ranges = append(b.ranges, pendingRange{start: start, end: end, handler: handler, depth: depth})
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// extendedPrefixes returns the number of EXTENDED_ARG prefixes needed for arg.
func extendedPrefixes(arg int) int {
	n := 0
	for arg > 0xFF {
		arg >>= 8
		n++
	}
	return n
}

// Build resolves labels, encodes the code section, verifies the stack
// discipline and returns the finished unit.
func (b *Builder) Build() (*CodeUnit, error) {
	if b.err != nil {
		return nil, b.err
	}
	for i, idx := range b.labels {
		if idx < 0 {
			for _, in := range b.instrs {
				if in.target == Label(i) {
					return nil, fmt.Errorf("%w: L%d", ErrUnboundLabel, i)
				}
			}
		}
	}

	// Offsets only grow when prefixes are added, so this reaches a fixpoint.
	var offsets []int
	for {
		offsets = b.assignOffsets()
		changed := false
		for i := range b.instrs {
			in := &b.instrs[i]
			if in.target != NoLabel {
				in.arg = b.jumpOperand(offsets, i)
				if in.arg < 0 {
					return nil, fmt.Errorf("%w: %s at %d jumps the wrong way", ErrOperandRange, in.op, offsets[i])
				}
			}
			if need := extendedPrefixes(in.arg); need > in.prefixes {
				in.prefixes = need
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	code := make([]byte, 0, offsets[len(offsets)-1])
	var srcMap []SourceLocation
	lastSource := -1
	for i, in := range b.instrs {
		if in.source >= 0 && in.source != lastSource {
			srcMap = append(srcMap, SourceLocation{PC: offsets[i], Offset: in.source})
			lastSource = in.source
		}
		for p := in.prefixes; p > 0; p-- {
			code = append(code, byte(OpExtendedArg), byte(in.arg>>(8*p)))
		}
		code = append(code, byte(in.op))
		switch in.op.OperandLen() {
		case 1:
			code = append(code, byte(in.arg))
		case 2:
			code = append(code, byte(in.arg), byte(in.arg2))
		}
	}

	unit := b.unit
	unit.Code = code
	unit.SourceMap = srcMap
	if len(srcMap) > 0 {
		unit.StartOffset = srcMap[0].Offset
	}

	if len(b.ranges) > 0 {
		ranges := make(RangeTable, 0, len(b.ranges))
		for _, r := range b.ranges {
			er := ExceptionRange{
				Start:      b.labelOffset(offsets, r.start),
				End:        b.labelOffset(offsets, r.end),
				Handler:    b.labelOffset(offsets, r.handler),
				StackDepth: r.depth,
			}
			ranges = append(ranges, er)
		}
		if ranges.hasInferredDepth() {
			depths, err := analyze(&unit, nil)
			if err != nil {
				return nil, err
			}
			for i := range ranges {
				if ranges[i].StackDepth < 0 {
					d, ok := depths[ranges[i].Start]
					if !ok {
						return nil, fmt.Errorf("%w: protected range at %d is unreachable", ErrStackMismatch, ranges[i].Start)
					}
					ranges[i].StackDepth = d
				}
			}
		}
		if err := ranges.Validate(); err != nil {
			return nil, err
		}
		unit.ExceptionRanges = ranges
	}

	size, err := Verify(&unit)
	if err != nil {
		return nil, err
	}
	unit.StackSize = size
	if _, err := unit.Layout(); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (t RangeTable) hasInferredDepth() bool {
	for _, r := range t {
		if r.StackDepth < 0 {
			return true
		}
	}
	return false
}

// assignOffsets returns the start offset of each pending instruction plus a
// trailing entry for the end of the code.
func (b *Builder) assignOffsets() []int {
	offsets := make([]int, len(b.instrs)+1)
	pc := 0
	for i, in := range b.instrs {
		offsets[i] = pc
		pc += in.prefixes*OpExtendedArg.InstructionLen() + in.op.InstructionLen()
	}
	offsets[len(b.instrs)] = pc
	return offsets
}

func (b *Builder) labelOffset(offsets []int, l Label) int {
	return offsets[b.labels[l]]
}

// jumpOperand computes the operand of the branch at index i. Offsets are
// measured from the opcode byte, after any prefixes.
func (b *Builder) jumpOperand(offsets []int, i int) int {
	in := b.instrs[i]
	opPC := offsets[i] + in.prefixes*OpExtendedArg.InstructionLen()
	target := b.labelOffset(offsets, in.target)
	if in.op == OpJumpBackward {
		return opPC - target
	}
	return target - opPC
}
