package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/pkg/bytecode"
)

// DefaultMaxDepth is the default call depth limit.
const DefaultMaxDepth = 1000

var log = commonlog.GetLogger("strata.vm")

// StepEvent describes one executed baseline instruction.
type StepEvent struct {
	Frame     *Frame
	Op        bytecode.Opcode
	Arg       int
	Arg2      int
	PC        int // Start of the instruction, including prefixes
	Width     int
	NextPC    int
	TopBefore int
	TopAfter  int
}

// Engine executes code units. An Engine is safe for concurrent use once
// configured: every invocation gets its own frames, and the shared parts
// (code units, op table, compiled loops) are read-only or synchronized.
type Engine struct {
	Ops      *OpTable
	Protocol Protocol
	Factory  Factory
	Builtins Namespace

	// Tier receives hot loops; NoTier keeps everything in the baseline.
	Tier   Tier
	Policy HotEdgePolicy

	// MaxDepth bounds the call depth; exceeding it raises ErrRecursionLimit.
	MaxDepth int

	// OnStep, when set, observes every baseline instruction.
	OnStep func(StepEvent)

	// units holds per-unit data for every unit this engine has run, keyed
	// by identity. Entries live as long as the engine unless released with
	// Forget.
	units sync.Map // *bytecode.CodeUnit -> *unitInfo
}

// unitInfo caches the per-unit data computed on first execution.
type unitInfo struct {
	layout      bytecode.Layout
	tokens      []*Assumption // One single-assignment token per cell variable
	fingerprint uint64
	err         error
}

// NewEngine creates an engine with the baseline tier only.
func NewEngine(ops *OpTable, protocol Protocol, factory Factory) *Engine {
	return &Engine{
		Ops:      ops,
		Protocol: protocol,
		Factory:  factory,
		Builtins: NewNamespace(),
		Tier:     NoTier{},
		Policy:   NewThresholdPolicy(DefaultHotThreshold),
		MaxDepth: DefaultMaxDepth,
	}
}

// prepare verifies a unit once and caches its layout and cell tokens.
func (e *Engine) prepare(code *bytecode.CodeUnit) (*unitInfo, error) {
	if v, ok := e.units.Load(code); ok {
		info := v.(*unitInfo)
		return info, info.err
	}
	info := &unitInfo{fingerprint: Fingerprint(code)}
	info.err = func() error {
		size, err := bytecode.Verify(code)
		if err != nil {
			if errors.Is(err, bytecode.ErrUnknownOpcode) {
				return fmt.Errorf("%s: %w: %w", code.Name, ErrNotImplemented, err)
			}
			return fmt.Errorf("%s: %w", code.Name, err)
		}
		size = max(size, code.StackSize)
		info.layout, err = bytecode.ComputeLayout(bytecode.LayoutInput{
			Locals:    len(code.VarNames),
			Cells:     len(code.CellVars),
			Frees:     len(code.FreeVars),
			StackSize: size,
			CodeLen:   len(code.Code),
			Generator: code.IsGenerator(),
		})
		if err != nil {
			return fmt.Errorf("%s: %w", code.Name, err)
		}
		if need := argumentSlots(code); need > len(code.VarNames) {
			return fmt.Errorf("%w: %s declares %d argument slots but %d locals", ErrArgument, code.Name, need, len(code.VarNames))
		}
		info.tokens = make([]*Assumption, len(code.CellVars))
		for i, name := range code.CellVars {
			info.tokens[i] = NewAssumption(code.Name + "." + name)
		}
		return nil
	}()
	if info.err != nil {
		log.Errorf("rejecting %s: %v", code.Name, info.err)
	}
	v, _ := e.units.LoadOrStore(code, info)
	info = v.(*unitInfo)
	return info, info.err
}

// Forget drops the cached data of code and of every unit nested in its
// constant pool, so hosts that build units dynamically can release them.
// A later activation verifies the unit again and gets fresh cell tokens.
// Compiled loops are keyed by fingerprint and stay with the LoopCompiler.
func (e *Engine) Forget(code *bytecode.CodeUnit) {
	seen := make(map[*bytecode.CodeUnit]bool)
	var walk func(*bytecode.CodeUnit)
	walk = func(c *bytecode.CodeUnit) {
		if c == nil || seen[c] {
			return
		}
		seen[c] = true
		e.units.Delete(c)
		for _, k := range c.Constants {
			if nested, ok := k.(*bytecode.CodeUnit); ok {
				walk(nested)
			}
		}
	}
	walk(code)
}

// CellAssumption returns the single-assignment token shared by every
// activation of code for cell index i.
func (e *Engine) CellAssumption(code *bytecode.CodeUnit, i int) (*Assumption, error) {
	info, err := e.prepare(code)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(info.tokens) {
		return nil, fmt.Errorf("%w: cell %d of %s", bytecode.ErrOperandRange, i, code.Name)
	}
	return info.tokens[i], nil
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// RunModule executes a module body with globals as both its global and
// local namespace.
func (e *Engine) RunModule(code *bytecode.CodeUnit, globals Namespace) (Value, error) {
	info, err := e.prepare(code)
	if err != nil {
		return Value{}, err
	}
	if globals == nil {
		globals = NewNamespace()
	}
	f := newFrame(code, info.layout, globals)
	f.Locals = globals
	f.depth = 1
	if err := e.initCells(f, nil, info); err != nil {
		return Value{}, err
	}
	return e.execute(f, info)
}

// Call invokes a callable from outside any frame.
func (e *Engine) Call(callee Value, args []Value, kwargs []Keyword) (Value, error) {
	return e.CallFrom(nil, callee, args, kwargs)
}

// CallFrom invokes a callable on behalf of caller, which may be nil.
// Operation handlers use it to call back into the engine.
func (e *Engine) CallFrom(caller *Frame, callee Value, args []Value, kwargs []Keyword) (Value, error) {
	if fn, ok := callee.AsRef().(*Function); ok {
		return e.invoke(caller, fn, args, kwargs)
	}
	return e.Protocol.Call(caller, callee, args, kwargs)
}

// NewFunction creates a function over code with the given globals.
func (e *Engine) NewFunction(code *bytecode.CodeUnit, globals Namespace) *Function {
	if globals == nil {
		globals = NewNamespace()
	}
	return &Function{Code: code, Globals: globals}
}

func (e *Engine) invoke(caller *Frame, fn *Function, args []Value, kwargs []Keyword) (Value, error) {
	depth := 1
	if caller != nil {
		depth = caller.depth + 1
	}
	if depth > e.MaxDepth {
		return Value{}, &Exception{Err: fmt.Errorf("%w (limit %d)", ErrRecursionLimit, e.MaxDepth)}
	}

	info, err := e.prepare(fn.Code)
	if err != nil {
		return Value{}, err
	}
	f := newFrame(fn.Code, info.layout, fn.Globals)
	f.Function = fn
	f.caller = caller
	f.depth = depth
	if err := e.bindArguments(f, fn, args, kwargs); err != nil {
		return Value{}, err
	}
	if err := e.initCells(f, fn, info); err != nil {
		return Value{}, err
	}

	if fn.Code.IsGenerator() {
		return Ref(newGenerator(e, f, info)), nil
	}
	return e.execute(f, info)
}

func (e *Engine) execute(f *Frame, info *unitInfo) (Value, error) {
	m := &machine{e: e, info: info, code: f.Code, lf: f, sf: f, top: -1}
	m.stack = f.Stack()
	v, _, err := e.run(m, 0)
	return v, err
}

// ---------------------------------------------------------------------------
// Frame entry
// ---------------------------------------------------------------------------

func argumentSlots(code *bytecode.CodeUnit) int {
	n := code.ArgCount + code.KwOnlyArgCount
	if code.TakesVarArgs() {
		n++
	}
	if code.TakesVarKeywords() {
		n++
	}
	return n
}

// bindArguments fills the argument slots: positionals, then *args, then
// keywords and **kwargs, then defaults for whatever is still missing.
func (e *Engine) bindArguments(f *Frame, fn *Function, args []Value, kwargs []Keyword) error {
	code := fn.Code
	nPos := code.ArgCount
	nKw := code.KwOnlyArgCount
	slot := nPos + nKw
	varArgsSlot, varKwSlot := -1, -1
	if code.TakesVarArgs() {
		varArgsSlot = slot
		slot++
	}
	if code.TakesVarKeywords() {
		varKwSlot = slot
	}

	n := min(len(args), nPos)
	copy(f.Slots, args[:n])
	if len(args) > nPos {
		if varArgsSlot < 0 {
			return fmt.Errorf("%w: %s() takes %d positional arguments but %d were given", ErrArgument, code.Name, nPos, len(args))
		}
		rest, err := e.Factory.NewCollection(bytecode.CollectionTuple, append([]Value(nil), args[nPos:]...))
		if err != nil {
			return err
		}
		f.Slots[varArgsSlot] = rest
	} else if varArgsSlot >= 0 {
		empty, err := e.Factory.NewCollection(bytecode.CollectionTuple, nil)
		if err != nil {
			return err
		}
		f.Slots[varArgsSlot] = empty
	}

	var extra []Keyword
	for _, kw := range kwargs {
		idx := -1
		for i := code.PositionalOnlyArgCount; i < nPos+nKw; i++ {
			if code.VarNames[i] == kw.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			if varKwSlot < 0 {
				return fmt.Errorf("%w: %s() got an unexpected keyword argument '%s'", ErrArgument, code.Name, kw.Name)
			}
			extra = append(extra, kw)
			continue
		}
		if !f.Slots[idx].IsEmpty() {
			return fmt.Errorf("%w: %s() got multiple values for argument '%s'", ErrArgument, code.Name, kw.Name)
		}
		f.Slots[idx] = kw.Value
	}
	if varKwSlot >= 0 {
		bag, err := e.Factory.NewKeywords(extra)
		if err != nil {
			return err
		}
		f.Slots[varKwSlot] = bag
	}

	firstDefault := nPos - len(fn.Defaults)
	for i := 0; i < nPos; i++ {
		if !f.Slots[i].IsEmpty() {
			continue
		}
		if i < firstDefault {
			return fmt.Errorf("%w: %s() missing required positional argument '%s'", ErrArgument, code.Name, code.VarNames[i])
		}
		f.Slots[i] = fn.Defaults[i-firstDefault]
	}
	for i := nPos; i < nPos+nKw; i++ {
		if !f.Slots[i].IsEmpty() {
			continue
		}
		found := false
		for _, kw := range fn.KwDefaults {
			if kw.Name == code.VarNames[i] {
				f.Slots[i] = kw.Value
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s() missing required keyword-only argument '%s'", ErrArgument, code.Name, code.VarNames[i])
		}
	}
	return nil
}

// initCells creates the frame's own cells, seeding argument-backed cells
// from their argument slot (which is then cleared), and installs the free
// cells captured by the function.
func (e *Engine) initCells(f *Frame, fn *Function, info *unitInfo) error {
	code := f.Code
	for i := range code.CellVars {
		c := NewCell(info.tokens[i])
		if i < len(code.Cell2Arg) {
			if a := code.Cell2Arg[i]; a >= 0 {
				if v := f.Slots[a]; !v.IsEmpty() {
					c.Set(v)
				}
				f.Slots[a] = Value{}
			}
		}
		f.Slots[f.Layout.CellOffset+i] = Ref(c)
	}
	if len(code.FreeVars) == 0 {
		return nil
	}
	if fn == nil || len(fn.Closure) < len(code.FreeVars) {
		return fmt.Errorf("%w: %s needs %d closure cells", ErrArgument, code.Name, len(code.FreeVars))
	}
	for i := range code.FreeVars {
		f.Slots[f.Layout.FreeOffset+i] = Ref(fn.Closure[i])
	}
	return nil
}
