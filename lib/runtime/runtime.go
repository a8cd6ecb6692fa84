package runtime

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/vm"
)

var log = commonlog.GetLogger("strata.runtime")

// Runtime is the main entry point for running code units against the
// reference object model. It owns the engine and the module registry.
type Runtime struct {
	Engine   *vm.Engine
	Protocol *Protocol
	Builtins *vm.MapNamespace

	stdout  io.Writer
	methods methodTables
	modules map[string]*Module
	mu      sync.Mutex // Guards stdout and modules
}

// Config holds runtime configuration
type Config struct {
	MaxDepth int              // Call depth limit (defaults to vm.DefaultMaxDepth)
	Stdout   io.Writer        // Destination of print (defaults to os.Stdout)
	Tier     vm.Tier          // Loop tier; nil keeps everything in the baseline
	Policy   vm.HotEdgePolicy // Hot-edge policy; nil keeps the engine default
	OnStep   func(vm.StepEvent)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		MaxDepth: vm.DefaultMaxDepth,
		Stdout:   os.Stdout,
	}
}

// New creates a new runtime with the given configuration
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	rt := &Runtime{
		stdout:  cfg.Stdout,
		methods: newMethodTables(),
		modules: make(map[string]*Module),
	}
	if rt.stdout == nil {
		rt.stdout = os.Stdout
	}
	rt.Protocol = &Protocol{rt: rt}

	ops := vm.NewOpTable()
	rt.RegisterOps(ops)
	rt.Engine = vm.NewEngine(ops, rt.Protocol, Factory{})
	if cfg.MaxDepth > 0 {
		rt.Engine.MaxDepth = cfg.MaxDepth
	}
	if cfg.Tier != nil {
		rt.Engine.Tier = cfg.Tier
	}
	if cfg.Policy != nil {
		rt.Engine.Policy = cfg.Policy
	}
	rt.Engine.OnStep = cfg.OnStep

	rt.Builtins = vm.NewNamespace()
	for _, b := range rt.builtins() {
		rt.Builtins.Set(b.Name, vm.Ref(b))
	}
	for _, t := range exceptionTypes {
		rt.Builtins.Set(t.Name, vm.Ref(t))
	}
	rt.Builtins.Set("None", vm.None)
	rt.Engine.Builtins = rt.Builtins

	rt.RegisterModule(mathModule())
	log.Debugf("runtime ready: %d handlers, %d builtins", ops.Len(), len(rt.Builtins.Names()))
	return rt, nil
}

// RegisterModule makes m importable by name, replacing any module of the
// same name.
func (rt *Runtime) RegisterModule(m *Module) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.modules[m.Name] = m
	log.Debugf("registered module %s", m.Name)
}

// Import returns a registered module.
func (rt *Runtime) Import(name string) (vm.Value, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.modules[name]
	if !ok {
		return vm.Value{}, &ourError{ErrImport, "No module named '" + name + "'"}
	}
	return vm.Ref(m), nil
}

// Run executes code as the main module and returns its globals.
func (rt *Runtime) Run(code *bytecode.CodeUnit) (*vm.MapNamespace, vm.Value, error) {
	globals := vm.NewNamespace()
	globals.Set("__name__", vm.Ref("__main__"))
	v, err := rt.Engine.RunModule(code, globals)
	return globals, v, err
}

// Call invokes code as a function with positional arguments.
func (rt *Runtime) Call(code *bytecode.CodeUnit, args ...vm.Value) (vm.Value, error) {
	return rt.Engine.Call(vm.Ref(rt.Engine.NewFunction(code, nil)), args, nil)
}

// Describe renders an error the way an uncaught exception is reported:
// the traceback followed by the exception type and message.
func Describe(err error) string {
	exc := vm.WrapError(err)
	tb := exc.Traceback()
	if exc.Value.IsEmpty() && exc.Err != nil {
		tb = strings.TrimSuffix(tb, exc.Error()+"\n") + TypeOf(exc).Name + ": " + message(exc.Err) + "\n"
	}
	return tb
}
