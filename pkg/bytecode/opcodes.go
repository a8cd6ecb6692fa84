package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop      Opcode = 0x00 // No operation
	OpPopTop   Opcode = 0x01 // Pop top of stack
	OpRotTwo   Opcode = 0x02 // Swap top two: a b -> b a
	OpRotThree Opcode = 0x03 // Rotate top three: a b c -> c a b
	OpDupTop   Opcode = 0x04 // Duplicate top of stack

	OpExtendedArg Opcode = 0x0F // Widen the next instruction's first operand: OpExtendedArg <hi:u8>

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpLoadNone   Opcode = 0x10 // Push the none constant
	OpLoadTrue   Opcode = 0x11 // Push true
	OpLoadFalse  Opcode = 0x12 // Push false
	OpLoadByte   Opcode = 0x13 // Push small signed integer: OpLoadByte <value:i8>
	OpLoadLong   Opcode = 0x14 // Push integer from primitive pool: OpLoadLong <index:u8>
	OpLoadDouble Opcode = 0x15 // Push float bits from primitive pool: OpLoadDouble <index:u8>
	OpLoadConst  Opcode = 0x16 // Push object constant: OpLoadConst <index:u8>

	// ========================================================================
	// Locals and cells (0x20-0x2F)
	// ========================================================================

	OpLoadFast   Opcode = 0x20 // Push local: OpLoadFast <slot:u8>
	OpStoreFast  Opcode = 0x21 // Pop and store to local: OpStoreFast <slot:u8>
	OpDeleteFast Opcode = 0x22 // Clear local: OpDeleteFast <slot:u8>

	OpLoadClosure      Opcode = 0x28 // Push the cell object itself: OpLoadClosure <cell:u8>
	OpClosureFromStack Opcode = 0x29 // Pop n cells, push a closure tuple: OpClosureFromStack <n:u8>
	OpLoadDeref        Opcode = 0x2A // Push cell contents: OpLoadDeref <cell:u8>
	OpStoreDeref       Opcode = 0x2B // Pop and store into cell: OpStoreDeref <cell:u8>
	OpDeleteDeref      Opcode = 0x2C // Empty a cell: OpDeleteDeref <cell:u8>

	// ========================================================================
	// Names (0x30-0x37)
	// ========================================================================

	OpLoadGlobal   Opcode = 0x30 // Push global: OpLoadGlobal <name:u8>
	OpStoreGlobal  Opcode = 0x31 // Pop and store global: OpStoreGlobal <name:u8>
	OpDeleteGlobal Opcode = 0x32 // Delete global: OpDeleteGlobal <name:u8>
	OpLoadName     Opcode = 0x33 // Push from locals mapping or globals: OpLoadName <name:u8>
	OpStoreName    Opcode = 0x34 // Pop and store into locals mapping: OpStoreName <name:u8>
	OpDeleteName   Opcode = 0x35 // Delete from locals mapping or globals: OpDeleteName <name:u8>

	// ========================================================================
	// Attributes and items (0x38-0x3F)
	// ========================================================================

	OpLoadAttr     Opcode = 0x38 // obj -> obj.name: OpLoadAttr <name:u8>
	OpStoreAttr    Opcode = 0x39 // value obj -> (obj.name = value): OpStoreAttr <name:u8>
	OpDeleteAttr   Opcode = 0x3A // obj -> (del obj.name): OpDeleteAttr <name:u8>
	OpBinarySubscr Opcode = 0x3B // container key -> container[key]
	OpStoreSubscr  Opcode = 0x3C // value container key -> (container[key] = value)
	OpDeleteSubscr Opcode = 0x3D // container key -> (del container[key])

	// ========================================================================
	// Arithmetic and comparison (0x40-0x4F)
	// ========================================================================

	OpUnaryOp  Opcode = 0x40 // Apply unary operator: OpUnaryOp <op:u8>
	OpBinaryOp Opcode = 0x41 // Apply binary operator: OpBinaryOp <op:u8>

	// ========================================================================
	// Collections (0x50-0x5F)
	// ========================================================================

	OpBuildSlice               Opcode = 0x50 // Pop 2 or 3 bounds, push slice: OpBuildSlice <n:u8>
	OpCollectionFromStack      Opcode = 0x51 // Pop count items, push collection: <countAndKind:u8>
	OpCollectionAddStack       Opcode = 0x52 // coll items... -> coll': <countAndKind:u8>
	OpCollectionFromCollection Opcode = 0x53 // iterable -> collection of kind: <kind:u8>
	OpCollectionAddCollection  Opcode = 0x54 // coll iterable -> coll': <kind:u8>
	OpAddToCollection          Opcode = 0x55 // Pop item, add to collection at depth: <depthAndKind:u8>
	OpUnpackSequence           Opcode = 0x56 // seq -> item_n-1 ... item_0: OpUnpackSequence <n:u8>
	OpUnpackEx                 Opcode = 0x57 // seq -> after... rest before...: OpUnpackEx <before:u8> <after:u8>

	// ========================================================================
	// Control flow (0x60-0x6F)
	// ========================================================================

	OpJumpForward       Opcode = 0x60 // pc += offset: OpJumpForward <offset:u8>
	OpJumpBackward      Opcode = 0x61 // pc -= offset (loop edge): OpJumpBackward <offset:u8>
	OpPopAndJumpIfFalse Opcode = 0x62 // Pop, jump forward if falsy
	OpPopAndJumpIfTrue  Opcode = 0x63 // Pop, jump forward if truthy
	OpJumpIfFalseOrPop  Opcode = 0x64 // Jump keeping top if falsy, else pop
	OpJumpIfTrueOrPop   Opcode = 0x65 // Jump keeping top if truthy, else pop
	OpGetIter           Opcode = 0x66 // iterable -> iterator
	OpForIter           Opcode = 0x67 // it -> it next, or pop it and jump when exhausted

	// ========================================================================
	// Calls (0x70-0x77)
	// ========================================================================

	OpCallFunction        Opcode = 0x70 // fn args... -> result: OpCallFunction <argc:u8>
	OpCallFunctionVarargs Opcode = 0x71 // fn args kwargs -> result
	OpCallMethod          Opcode = 0x72 // recv args... -> result: OpCallMethod <name:u8> <argc:u8>
	OpMakeFunction        Opcode = 0x73 // [defaults] [kwdefaults] [closure] -> fn: <const:u8> <flags:u8>
	OpMakeKeyword         Opcode = 0x74 // value -> keyword: OpMakeKeyword <name:u8>
	OpCallFunctionKw      Opcode = 0x75 // fn args... keywords... -> result: OpCallFunctionKw <argc:u8> <kwc:u8>
	OpCallMethodVarargs   Opcode = 0x76 // recv args -> result: OpCallMethodVarargs <name:u8>

	// ========================================================================
	// Imports (0x78-0x7F)
	// ========================================================================

	OpImportName Opcode = 0x78 // level fromlist -> module: OpImportName <name:u8>
	OpImportFrom Opcode = 0x79 // module -> module attr: OpImportFrom <name:u8>

	// ========================================================================
	// Exceptions (0x80-0x8F)
	// ========================================================================

	OpRaiseVarargs   Opcode = 0x80 // Raise with 0 (re-raise), 1 (exc) or 2 (exc, cause) operands
	OpMatchExcOrJump Opcode = 0x81 // exc type -> exc, jump forward if no match
	OpUnwrapExc      Opcode = 0x82 // exc-in-flight -> language exception value
	OpPushExcInfo    Opcode = 0x83 // exc -> saved exc, make exc the handled one
	OpPopExcept      Opcode = 0x84 // saved -> (restore saved as handled)
	OpEndExcHandler  Opcode = 0x85 // saved exc -> (restore saved, re-raise exc)
	OpSetupWith      Opcode = 0x86 // mgr -> exit mgr entered
	OpExitWith       Opcode = 0x87 // exit mgr exc-or-none -> (call exit, re-raise unless suppressed)

	// ========================================================================
	// Generators (0x90-0x9F)
	// ========================================================================

	OpYieldValue  Opcode = 0x90 // Pop value, suspend
	OpResumeYield Opcode = 0x91 // Push the value sent into the generator
	OpSend        Opcode = 0x92 // obj value -> obj yielded, or result and jump: OpSend <offset:u8>
	OpThrow       Opcode = 0x93 // obj exc -> obj yielded, or result and jump: OpThrow <offset:u8>

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpReturnValue Opcode = 0xF0 // Return top of stack
)

// Collection kinds packed into the high three bits of collection operands.
const (
	CollectionList     = 0
	CollectionTuple    = 1
	CollectionSet      = 2
	CollectionDict     = 3
	CollectionKeywords = 4
)

// MakeFunction flags.
const (
	FunctionHasDefaults   = 0x01
	FunctionHasKwDefaults = 0x02
	FunctionHasClosure    = 0x04
)

// PackCollection packs an element count (0-31) and a collection kind into a
// single operand byte.
func PackCollection(count, kind int) int {
	return (kind << 5) | (count & 0x1F)
}

// CollectionCount returns the element count packed by PackCollection.
func CollectionCount(operand int) int {
	return operand & 0x1F
}

// CollectionKind returns the collection kind packed by PackCollection.
func CollectionKind(operand int) int {
	return (operand >> 5) & 0x07
}

// effectFunc computes (pop, push) for opcodes whose stack effect depends on
// their operands.
type effectFunc func(arg, arg2 int) (pop, push int)

// OpcodeInfo provides metadata about each opcode for decoding and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // Values popped on fallthrough (ignored when Effect is set)
	StackPush  int    // Values pushed on fallthrough
	OperandLen int    // Number of operand bytes following the opcode
	Branch     bool   // Carries a jump offset in its first operand
	Terminal   bool   // Never falls through to the next instruction

	effect     effectFunc
	jumpEffect *[2]int // (pop, push) when the branch is taken, if different
}

// Variable reports whether the stack effect depends on the operands.
func (i OpcodeInfo) Variable() bool {
	return i.effect != nil
}

func fixed(name string, pop, push, operands int) OpcodeInfo {
	return OpcodeInfo{Name: name, StackPop: pop, StackPush: push, OperandLen: operands}
}

func variable(name string, operands int, fn effectFunc) OpcodeInfo {
	return OpcodeInfo{Name: name, OperandLen: operands, effect: fn}
}

func branch(name string, pop, push int, jumpPop, jumpPush int) OpcodeInfo {
	return OpcodeInfo{Name: name, StackPop: pop, StackPush: push, OperandLen: 1, Branch: true,
		jumpEffect: &[2]int{jumpPop, jumpPush}}
}

func terminal(info OpcodeInfo) OpcodeInfo {
	info.Terminal = true
	return info
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:         fixed("NOP", 0, 0, 0),
	OpPopTop:      fixed("POP_TOP", 1, 0, 0),
	OpRotTwo:      fixed("ROT_TWO", 2, 2, 0),
	OpRotThree:    fixed("ROT_THREE", 3, 3, 0),
	OpDupTop:      fixed("DUP_TOP", 1, 2, 0),
	OpExtendedArg: fixed("EXTENDED_ARG", 0, 0, 1),

	// Constants
	OpLoadNone:   fixed("LOAD_NONE", 0, 1, 0),
	OpLoadTrue:   fixed("LOAD_TRUE", 0, 1, 0),
	OpLoadFalse:  fixed("LOAD_FALSE", 0, 1, 0),
	OpLoadByte:   fixed("LOAD_BYTE", 0, 1, 1),
	OpLoadLong:   fixed("LOAD_LONG", 0, 1, 1),
	OpLoadDouble: fixed("LOAD_DOUBLE", 0, 1, 1),
	OpLoadConst:  fixed("LOAD_CONST", 0, 1, 1),

	// Locals and cells
	OpLoadFast:    fixed("LOAD_FAST", 0, 1, 1),
	OpStoreFast:   fixed("STORE_FAST", 1, 0, 1),
	OpDeleteFast:  fixed("DELETE_FAST", 0, 0, 1),
	OpLoadClosure: fixed("LOAD_CLOSURE", 0, 1, 1),
	OpClosureFromStack: variable("CLOSURE_FROM_STACK", 1, func(n, _ int) (int, int) {
		return n, 1
	}),
	OpLoadDeref:   fixed("LOAD_DEREF", 0, 1, 1),
	OpStoreDeref:  fixed("STORE_DEREF", 1, 0, 1),
	OpDeleteDeref: fixed("DELETE_DEREF", 0, 0, 1),

	// Names
	OpLoadGlobal:   fixed("LOAD_GLOBAL", 0, 1, 1),
	OpStoreGlobal:  fixed("STORE_GLOBAL", 1, 0, 1),
	OpDeleteGlobal: fixed("DELETE_GLOBAL", 0, 0, 1),
	OpLoadName:     fixed("LOAD_NAME", 0, 1, 1),
	OpStoreName:    fixed("STORE_NAME", 1, 0, 1),
	OpDeleteName:   fixed("DELETE_NAME", 0, 0, 1),

	// Attributes and items
	OpLoadAttr:     fixed("LOAD_ATTR", 1, 1, 1),
	OpStoreAttr:    fixed("STORE_ATTR", 2, 0, 1),
	OpDeleteAttr:   fixed("DELETE_ATTR", 1, 0, 1),
	OpBinarySubscr: fixed("BINARY_SUBSCR", 2, 1, 0),
	OpStoreSubscr:  fixed("STORE_SUBSCR", 3, 0, 0),
	OpDeleteSubscr: fixed("DELETE_SUBSCR", 2, 0, 0),

	// Arithmetic
	OpUnaryOp:  fixed("UNARY_OP", 1, 1, 1),
	OpBinaryOp: fixed("BINARY_OP", 2, 1, 1),

	// Collections
	OpBuildSlice: variable("BUILD_SLICE", 1, func(n, _ int) (int, int) {
		return n, 1
	}),
	OpCollectionFromStack: variable("COLLECTION_FROM_STACK", 1, func(arg, _ int) (int, int) {
		return CollectionCount(arg), 1
	}),
	OpCollectionAddStack: variable("COLLECTION_ADD_STACK", 1, func(arg, _ int) (int, int) {
		return CollectionCount(arg) + 1, 1
	}),
	OpCollectionFromCollection: fixed("COLLECTION_FROM_COLLECTION", 1, 1, 1),
	OpCollectionAddCollection:  fixed("COLLECTION_ADD_COLLECTION", 2, 1, 1),
	OpAddToCollection: variable("ADD_TO_COLLECTION", 1, func(arg, _ int) (int, int) {
		if CollectionKind(arg) == CollectionDict {
			return 2, 0
		}
		return 1, 0
	}),
	OpUnpackSequence: variable("UNPACK_SEQUENCE", 1, func(n, _ int) (int, int) {
		return 1, n
	}),
	OpUnpackEx: variable("UNPACK_EX", 2, func(before, after int) (int, int) {
		return 1, before + 1 + after
	}),

	// Control flow
	OpJumpForward:       terminal(branch("JUMP_FORWARD", 0, 0, 0, 0)),
	OpJumpBackward:      terminal(branch("JUMP_BACKWARD", 0, 0, 0, 0)),
	OpPopAndJumpIfFalse: branch("POP_AND_JUMP_IF_FALSE", 1, 0, 1, 0),
	OpPopAndJumpIfTrue:  branch("POP_AND_JUMP_IF_TRUE", 1, 0, 1, 0),
	OpJumpIfFalseOrPop:  branch("JUMP_IF_FALSE_OR_POP", 1, 0, 1, 1),
	OpJumpIfTrueOrPop:   branch("JUMP_IF_TRUE_OR_POP", 1, 0, 1, 1),
	OpGetIter:           fixed("GET_ITER", 1, 1, 0),
	OpForIter:           branch("FOR_ITER", 1, 2, 1, 0),

	// Calls
	OpCallFunction: variable("CALL_FUNCTION", 1, func(argc, _ int) (int, int) {
		return argc + 1, 1
	}),
	OpCallFunctionVarargs: fixed("CALL_FUNCTION_VARARGS", 3, 1, 0),
	OpCallMethod: variable("CALL_METHOD", 2, func(_, argc int) (int, int) {
		return argc + 1, 1
	}),
	OpMakeFunction: variable("MAKE_FUNCTION", 2, func(_, flags int) (int, int) {
		pop := 0
		for _, bit := range []int{FunctionHasDefaults, FunctionHasKwDefaults, FunctionHasClosure} {
			if flags&bit != 0 {
				pop++
			}
		}
		return pop, 1
	}),
	OpMakeKeyword: fixed("MAKE_KEYWORD", 1, 1, 1),
	OpCallFunctionKw: variable("CALL_FUNCTION_KW", 2, func(argc, kwc int) (int, int) {
		return argc + kwc + 1, 1
	}),
	OpCallMethodVarargs: fixed("CALL_METHOD_VARARGS", 2, 1, 1),

	// Imports
	OpImportName: fixed("IMPORT_NAME", 2, 1, 1),
	OpImportFrom: fixed("IMPORT_FROM", 1, 2, 1),

	// Exceptions
	OpRaiseVarargs: terminal(variable("RAISE_VARARGS", 1, func(n, _ int) (int, int) {
		return n, 0
	})),
	OpMatchExcOrJump: branch("MATCH_EXC_OR_JUMP", 2, 1, 2, 1),
	OpUnwrapExc:      fixed("UNWRAP_EXC", 1, 1, 0),
	OpPushExcInfo:    fixed("PUSH_EXC_INFO", 1, 2, 0),
	OpPopExcept:      fixed("POP_EXCEPT", 1, 0, 0),
	OpEndExcHandler:  terminal(fixed("END_EXC_HANDLER", 2, 0, 0)),
	OpSetupWith:      fixed("SETUP_WITH", 1, 3, 0),
	OpExitWith:       fixed("EXIT_WITH", 3, 0, 0),

	// Generators
	OpYieldValue:  fixed("YIELD_VALUE", 1, 0, 0),
	OpResumeYield: fixed("RESUME_YIELD", 0, 1, 0),
	OpSend:        branch("SEND", 2, 2, 2, 1),
	OpThrow:       branch("THROW", 2, 2, 2, 1),

	// Return
	OpReturnValue: terminal(fixed("RETURN_VALUE", 1, 0, 0)),
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsValid reports whether the opcode is part of the catalogue.
func (op Opcode) IsValid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode carries a jump offset.
func (op Opcode) IsJump() bool {
	return GetOpcodeInfo(op).Branch
}

// IsBackwardJump returns true for loop edges.
func (op Opcode) IsBackwardJump() bool {
	return op == OpJumpBackward
}

// StackEffect returns the pop and push counts of an instruction. jump selects
// the effect of the taken branch for conditional jumps.
func StackEffect(op Opcode, arg, arg2 int, jump bool) (pop, push int) {
	info := GetOpcodeInfo(op)
	if info.effect != nil {
		return info.effect(arg, arg2)
	}
	if jump && info.jumpEffect != nil {
		return info.jumpEffect[0], info.jumpEffect[1]
	}
	return info.StackPop, info.StackPush
}

// NetStackEffect returns push minus pop for an instruction.
func NetStackEffect(op Opcode, arg, arg2 int, jump bool) int {
	pop, push := StackEffect(op, arg, arg2, jump)
	return push - pop
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
