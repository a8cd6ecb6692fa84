// Package vm implements the strata execution engine.
//
// This package contains:
//   - Tagged slot values and flat frame slot arrays
//   - Closure cells with single-assignment assumption tokens
//   - The decode-dispatch loop and its exception unwinding
//   - Generator suspension and resumption
//   - The OSR handshake, hot-loop profiling and the closure-compiled loop tier
//
// Operations on language objects are delegated through OpTable, Protocol and
// Factory; see lib/runtime for a reference implementation.
package vm
