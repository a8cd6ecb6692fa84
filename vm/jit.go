package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/strata/pkg/bytecode"
)

// ErrLoopShape reports a loop range that cannot be compiled.
var ErrLoopShape = errors.New("unsupported loop shape")

// CompiledLoop is a loop range pre-decoded into closures over the baseline
// arms. It is immutable and may be run by any number of frames at once.
type CompiledLoop struct {
	ID       uuid.UUID
	Key      LoopKey
	Code     *bytecode.CodeUnit
	Start    int
	End      int
	Duration time.Duration

	steps []step
	index map[int]int // Instruction start -> step
}

type step struct {
	in bytecode.Instruction
	fn arm
}

// Len returns the number of instructions in the loop.
func (l *CompiledLoop) Len() int { return len(l.steps) }

func (l *CompiledLoop) String() string {
	return fmt.Sprintf("<loop %s %s %04X-%04X (%d ops)>", l.Code.Name, l.ID, l.Start, l.End, len(l.steps))
}

// compileLoop decodes the instructions from the loop head up to and
// including the backward jump at the edge.
func compileLoop(code *bytecode.CodeUnit, key LoopKey) (*CompiledLoop, error) {
	if key.Head < 0 || key.Head > key.Edge || key.Edge >= len(code.Code) {
		return nil, fmt.Errorf("%w: range %04X-%04X outside %s", ErrLoopShape, key.Head, key.Edge, code.Name)
	}
	start := time.Now()
	l := &CompiledLoop{
		ID:    uuid.New(),
		Key:   key,
		Code:  code,
		Start: key.Head,
		End:   key.Edge,
		index: make(map[int]int),
	}
	pc := key.Head
	for pc <= key.Edge {
		in, err := bytecode.Decode(code.Code, pc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoopShape, err)
		}
		fn := arms[in.Op]
		if fn == nil {
			return nil, fmt.Errorf("%w: no arm for %s at %04X", ErrLoopShape, in.Op, in.Start)
		}
		l.index[in.Start] = len(l.steps)
		l.steps = append(l.steps, step{in: in, fn: fn})
		pc = in.Next
	}
	last := l.steps[len(l.steps)-1].in
	if last.Start != key.Edge || last.Op != bytecode.OpJumpBackward || last.Target() != key.Head {
		return nil, fmt.Errorf("%w: %04X does not close a loop at %04X", ErrLoopShape, key.Edge, key.Head)
	}
	l.Duration = time.Since(start)
	return l, nil
}

// run executes the loop on the transfer's machine until control leaves the
// range or the frame returns, yields or faults.
func (l *CompiledLoop) run(t *Transfer) *Outcome {
	m := t.m
	m.top = t.StackTop
	pc := t.PC
	for {
		i, ok := l.index[pc]
		if !ok {
			return FallBack(pc, m.top)
		}
		s := &l.steps[i]
		m.pc, m.next = s.in.Start, s.in.Next
		if err := s.fn(m, &s.in); err != nil {
			return Raise(s.in.Start, m.top, err)
		}
		switch m.exit {
		case exitReturn:
			return &Outcome{Kind: OutcomeReturn, PC: m.next, StackTop: m.top, Value: m.result}
		case exitYield:
			return &Outcome{Kind: OutcomeYield, PC: m.next, StackTop: m.top, Value: m.result}
		}
		if s.in.Op == bytecode.OpJumpBackward {
			m.lf.loopCount++
		}
		pc = m.next
	}
}

// ---------------------------------------------------------------------------
// Background compiler
// ---------------------------------------------------------------------------

// CompilerOptions configures a LoopCompiler.
type CompilerOptions struct {
	QueueSize int  // Pending requests before new ones are dropped
	Workers   int  // Background compilation goroutines
	Sync      bool // Compile inline on request instead of in the background
}

// LoopCompiler compiles hot loops on background goroutines. Requests for
// the same loop are de-duplicated; results (and failures) are remembered
// per loop so each loop is compiled at most once.
type LoopCompiler struct {
	pending chan loopWork
	done    chan struct{}
	stop    sync.Once
	workers sync.WaitGroup
	group   singleflight.Group

	mu       sync.RWMutex
	compiled map[LoopKey]*CompiledLoop
	failed   map[LoopKey]error
	queued   map[LoopKey]bool

	loopsCompiled atomic.Uint64
	failures      atomic.Uint64
	dropped       atomic.Uint64
	compileNanos  atomic.Int64

	sync bool

	// OnCompiled, when set, is called after each successful compilation.
	OnCompiled func(*CompiledLoop)
}

type loopWork struct {
	code *bytecode.CodeUnit
	key  LoopKey
}

// NewLoopCompiler creates a compiler and starts its workers.
func NewLoopCompiler(opts CompilerOptions) *LoopCompiler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	c := &LoopCompiler{
		pending:  make(chan loopWork, opts.QueueSize),
		done:     make(chan struct{}),
		compiled: make(map[LoopKey]*CompiledLoop),
		failed:   make(map[LoopKey]error),
		queued:   make(map[LoopKey]bool),
		sync:     opts.Sync,
	}
	if !c.sync {
		for range opts.Workers {
			c.workers.Add(1)
			go c.worker()
		}
	}
	return c
}

// Lookup returns the compiled loop for key, or nil.
func (c *LoopCompiler) Lookup(key LoopKey) *CompiledLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compiled[key]
}

// Failed returns the error a loop failed to compile with, or nil.
func (c *LoopCompiler) Failed(key LoopKey) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed[key]
}

// Request asks for key to be compiled. In sync mode the loop is compiled
// before returning; otherwise the request is queued (or dropped when the
// queue is full) and Request returns nil.
func (c *LoopCompiler) Request(code *bytecode.CodeUnit, key LoopKey) (*CompiledLoop, error) {
	c.mu.Lock()
	if l := c.compiled[key]; l != nil {
		c.mu.Unlock()
		return l, nil
	}
	if err := c.failed[key]; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.sync {
		c.mu.Unlock()
		return c.compile(code, key)
	}
	if c.queued[key] {
		c.mu.Unlock()
		return nil, nil
	}
	c.queued[key] = true
	c.mu.Unlock()

	select {
	case c.pending <- loopWork{code: code, key: key}:
	case <-c.done:
		c.unqueue(key)
	default:
		c.unqueue(key)
		c.dropped.Add(1)
		osrLog.Debugf("queue full, dropping %s", key)
	}
	return nil, nil
}

func (c *LoopCompiler) unqueue(key LoopKey) {
	c.mu.Lock()
	delete(c.queued, key)
	c.mu.Unlock()
}

func (c *LoopCompiler) worker() {
	defer c.workers.Done()
	for {
		select {
		case work := <-c.pending:
			c.compile(work.code, work.key)
			c.unqueue(work.key)
		case <-c.done:
			return
		}
	}
}

// compile runs one compilation, shared by concurrent requests for the
// same loop.
func (c *LoopCompiler) compile(code *bytecode.CodeUnit, key LoopKey) (*CompiledLoop, error) {
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if l := c.Lookup(key); l != nil {
			return l, nil
		}
		l, err := compileLoop(code, key)
		c.mu.Lock()
		if err != nil {
			c.failed[key] = err
		} else {
			c.compiled[key] = l
		}
		c.mu.Unlock()

		if err != nil {
			c.failures.Add(1)
			osrLog.Warningf("compiling %s in %s: %v", key, code.Name, err)
			return nil, err
		}
		c.loopsCompiled.Add(1)
		c.compileNanos.Add(int64(l.Duration))
		osrLog.Infof("compiled %s", l)
		if c.OnCompiled != nil {
			c.OnCompiled(l)
		}
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledLoop), nil
}

// CompilerStats holds loop compiler statistics.
type CompilerStats struct {
	LoopsCompiled uint64
	Failures      uint64
	Dropped       uint64
	Resident      int // Compiled loops currently registered
	QueueLength   int
	CompileTime   time.Duration
}

// Stats returns loop compiler statistics.
func (c *LoopCompiler) Stats() CompilerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CompilerStats{
		LoopsCompiled: c.loopsCompiled.Load(),
		Failures:      c.failures.Load(),
		Dropped:       c.dropped.Load(),
		Resident:      len(c.compiled),
		QueueLength:   len(c.pending),
		CompileTime:   time.Duration(c.compileNanos.Load()),
	}
}

// Loops returns every compiled loop.
func (c *LoopCompiler) Loops() []*CompiledLoop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*CompiledLoop, 0, len(c.compiled))
	for _, l := range c.compiled {
		out = append(out, l)
	}
	return out
}

// Stop stops the background workers. Queued requests are discarded.
func (c *LoopCompiler) Stop() {
	c.stop.Do(func() { close(c.done) })
	c.workers.Wait()
}

// Reset forgets all compiled and failed loops.
func (c *LoopCompiler) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[LoopKey]*CompiledLoop)
	c.failed = make(map[LoopKey]error)
	c.loopsCompiled.Store(0)
	c.failures.Store(0)
	c.compileNanos.Store(0)
}

// ---------------------------------------------------------------------------
// Closure tier
// ---------------------------------------------------------------------------

// ClosureTier runs hot loops compiled by a LoopCompiler. It declines
// transfers for loops that are not compiled yet and requests them instead.
type ClosureTier struct {
	Compiler *LoopCompiler

	entries atomic.Uint64
}

// NewClosureTier creates a tier over compiler.
func NewClosureTier(compiler *LoopCompiler) *ClosureTier {
	return &ClosureTier{Compiler: compiler}
}

// TryEnter runs the compiled loop for the transfer, if there is one.
func (t *ClosureTier) TryEnter(tr *Transfer) *Outcome {
	l := t.Compiler.Lookup(tr.Key)
	if l == nil {
		var err error
		if l, err = t.Compiler.Request(tr.Code, tr.Key); err != nil || l == nil {
			return nil
		}
	}
	if err := tr.Claim(); err != nil {
		return nil
	}
	t.entries.Add(1)
	osrLog.Debugf("%s: entering %s at %04X (top %d)", tr.Code.Name, tr.Key, tr.PC, tr.StackTop)
	return l.run(tr)
}

// Entries returns the number of transfers the tier has run.
func (t *ClosureTier) Entries() uint64 { return t.entries.Load() }
