package vm

import (
	"fmt"
	"sync/atomic"
)

// Assumption is a revocable speculation token. Compiled code may rely on it
// while it is valid; invalidation is permanent.
type Assumption struct {
	name    string
	invalid atomic.Bool
}

// NewAssumption creates a valid token.
func NewAssumption(name string) *Assumption {
	return &Assumption{name: name}
}

// IsValid reports whether the speculation still holds.
func (a *Assumption) IsValid() bool {
	return !a.invalid.Load()
}

// Invalidate revokes the token.
func (a *Assumption) Invalidate() {
	a.invalid.Store(true)
}

func (a *Assumption) String() string {
	state := "valid"
	if !a.IsValid() {
		state = "invalid"
	}
	return fmt.Sprintf("<assumption %s %s>", a.name, state)
}

// Cell is a shared mutable box for a variable captured by a closure.
// Contents are published atomically without a lock; concurrent writers race
// and the last one wins.
type Cell struct {
	ref    atomic.Pointer[Value]
	writes atomic.Int32
	token  *Assumption
}

// NewCell creates an empty cell guarded by token. token may be nil.
func NewCell(token *Assumption) *Cell {
	return &Cell{token: token}
}

// Get returns the contents, or false when the cell is empty.
func (c *Cell) Get() (Value, bool) {
	p := c.ref.Load()
	if p == nil || p.IsEmpty() {
		return Value{}, false
	}
	return *p, true
}

// Set stores v. The first write is free; the second invalidates the
// single-assignment token regardless of the value written.
func (c *Cell) Set(v Value) {
	c.ref.Store(&v)
	if c.writes.Add(1) > 1 && c.token != nil {
		c.token.Invalidate()
	}
}

// Clear empties the cell and reports whether it held a value.
func (c *Cell) Clear() bool {
	return c.ref.Swap(nil) != nil
}

// Token returns the cell's single-assignment token.
func (c *Cell) Token() *Assumption {
	return c.token
}

func (c *Cell) String() string {
	if v, ok := c.Get(); ok {
		return fmt.Sprintf("<cell: %s>", v)
	}
	return "<cell: empty>"
}

// CellTuple is the closure built by CLOSURE_FROM_STACK.
type CellTuple []*Cell
