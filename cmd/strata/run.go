package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/chazu/strata/dist"
	"github.com/chazu/strata/lib/runtime"
	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/profile"
	"github.com/chazu/strata/vm"
)

// uncaughtError carries the rendered traceback of an exception that
// escaped the module.
type uncaughtError struct {
	err    error
	report string
}

func (e *uncaughtError) Error() string { return e.err.Error() }
func (e *uncaughtError) Unwrap() error { return e.err }

// session wires a runtime to the loop tier and profile store described by
// the configuration.
type session struct {
	cfg      *manifest.Config
	rt       *runtime.Runtime
	policy   *vm.ThresholdPolicy
	compiler *vm.LoopCompiler
	tier     *vm.ClosureTier
	store    *profile.Store
	run      *profile.Run
	seeded   int
}

func newSession(cfg *manifest.Config, label string, stdout io.Writer) (*session, error) {
	s := &session{cfg: cfg, policy: vm.NewThresholdPolicy(cfg.OSR.Threshold)}

	rc := runtime.DefaultConfig()
	rc.MaxDepth = cfg.Engine.MaxDepth
	rc.Stdout = stdout
	rc.Policy = s.policy
	if cfg.OSR.Enabled {
		s.compiler = vm.NewLoopCompiler(vm.CompilerOptions{
			QueueSize: cfg.OSR.QueueSize,
			Workers:   cfg.OSR.Workers,
			Sync:      cfg.OSR.Sync,
		})
		s.compiler.OnCompiled = func(l *vm.CompiledLoop) {
			log.Infof("compiled %s in %s", l, l.Duration)
		}
		s.tier = vm.NewClosureTier(s.compiler)
		rc.Tier = s.tier
	}

	if cfg.Profile.Path != "" {
		store, err := profile.Open(cfg.Profile.Path)
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = store
		if cfg.Profile.Seed {
			if s.seeded, err = store.Seed(s.policy); err != nil {
				s.close()
				return nil, err
			}
		}
		if s.run, err = store.BeginRun(label); err != nil {
			s.close()
			return nil, err
		}
	}

	rt, err := runtime.New(rc)
	if err != nil {
		s.close()
		return nil, err
	}
	s.rt = rt
	return s, nil
}

// execute runs code as the main module.
func (s *session) execute(code *bytecode.CodeUnit) error {
	_, _, err := s.rt.Run(code)
	if err != nil {
		return &uncaughtError{err: err, report: runtime.Describe(err)}
	}
	return nil
}

// close saves the loop profile and releases the compiler and store.
func (s *session) close() error {
	var err error
	if s.compiler != nil {
		s.compiler.Stop()
	}
	if s.store != nil {
		if s.run != nil {
			err = s.store.Save(s.run, s.policy)
		}
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func runFile(cfg *manifest.Config, opts *options, path string, stdout, stderr io.Writer) error {
	code, err := dist.ReadFile(path)
	if err != nil {
		return err
	}
	return runUnit(cfg, opts, code, filepath.Base(path), stdout, stderr)
}

func runUnit(cfg *manifest.Config, opts *options, code *bytecode.CodeUnit, label string, stdout, stderr io.Writer) error {
	s, err := newSession(cfg, label, stdout)
	if err != nil {
		return err
	}

	start := time.Now()
	runErr := s.execute(code)
	elapsed := time.Since(start)

	if err := s.close(); err != nil {
		log.Errorf("saving loop profile: %s", err)
		if runErr == nil {
			runErr = err
		}
	}
	if opts.stats {
		if err := writeReport(stderr, newRunReport(s, code, elapsed), opts.format); err != nil {
			return err
		}
	}
	return runErr
}

func verifyFile(path string, stdout io.Writer) error {
	code, err := dist.ReadFile(path)
	if err != nil {
		return err
	}
	for _, c := range dist.Units(code) {
		depth, err := bytecode.Verify(c)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
		fmt.Fprintf(stdout, "%-20s ok  max stack %d (declared %d)\n", c.Name, depth, c.StackSize)
	}
	return nil
}

func disasmFile(path string, stdout io.Writer) error {
	code, err := dist.ReadFile(path)
	if err != nil {
		return err
	}
	text := code.Disassemble()
	if isTerminal(stdout) {
		text = colorize(termenv.NewOutput(stdout, termenv.WithProfile(termenv.ANSI)), text)
	}
	_, err = io.WriteString(stdout, text)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// colorize highlights mnemonics and dims comment lines of a listing.
func colorize(out *termenv.Output, listing string) string {
	lines := strings.Split(listing, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ";") {
			lines[i] = out.String(line).Faint().String()
			continue
		}
		if len(line) < 7 || line[4:6] != "  " {
			continue
		}
		if _, err := strconv.ParseUint(line[:4], 16, 16); err != nil {
			continue
		}
		mnemonic, operands, found := strings.Cut(line[6:], " ")
		if mnemonic == "" || strings.HasPrefix(mnemonic, "<") {
			continue
		}
		if found {
			operands = " " + operands
		}
		lines[i] = line[:6] + out.String(mnemonic).Foreground(termenv.ANSICyan).String() + operands
	}
	return strings.Join(lines, "\n")
}

func demoCommand(cfg *manifest.Config, opts *options, args []string, stdout, stderr io.Writer) error {
	switch len(args) {
	case 0:
		for _, name := range demoNames() {
			fmt.Fprintf(stdout, "  %-10s %s\n", name, demos[name].about)
		}
		return nil
	case 1:
		code, err := buildDemo(args[0])
		if err != nil {
			return err
		}
		return runUnit(cfg, opts, code, "demo:"+args[0], stdout, stderr)
	case 2:
		code, err := buildDemo(args[0])
		if err != nil {
			return err
		}
		if err := dist.WriteFile(args[1], code); err != nil {
			return err
		}
		log.Infof("wrote demo %s to %s", args[0], args[1])
		return nil
	}
	return fmt.Errorf("usage: strata demo [name [out.cbor]]")
}
