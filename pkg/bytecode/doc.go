// Package bytecode defines the compiled form executed by the strata engine.
//
// A CodeUnit is the immutable output of a compiler: a byte-coded
// instruction stream, constant pools, name tables, declared argument counts,
// an exception range table and a source map. Units are shared read-only by
// every frame that executes them.
//
// # Instruction format
//
// Every instruction is a one-byte opcode followed by a fixed number of
// one-byte operands. An EXTENDED_ARG prefix widens the first operand of the
// next instruction by eight bits; prefixes may be chained. Branch operands
// are offsets measured from the opcode byte: forward for every branch
// except JUMP_BACKWARD, which is the only loop edge.
//
// # Frame layout
//
// ComputeLayout partitions a frame into locals, cells, frees and the
// operand stack, followed by the program counter slot and, for generator
// bodies, the saved stack top and the return value. The encoding limits are
// a stack depth below 2^12 and a code length below 2^16.
//
// # Tooling
//
// Builder assembles units from labels, widening branches as needed.
// Verify performs the static stack-depth analysis that Builder uses to
// compute StackSize. Disassemble renders a listing.
package bytecode
