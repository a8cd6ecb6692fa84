package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muesli/termenv"

	"github.com/chazu/strata/dist"
	"github.com/chazu/strata/lib/runtime"
	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/vm"
)

// strata runs the CLI against a hermetic configuration file.
func strata(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "strata.toml")
	if err := os.WriteFile(cfg, []byte("[osr]\nthreshold = 50\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	code = realMain(append([]string{"-config", cfg}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

var demoOutputs = map[string]string{
	"sum":      "5000050000\n",
	"squares":  "[0, 1, 4, 9, 16, 25]\n",
	"closure":  "15\n",
	"except":   "division by zero\n",
	"fizzbuzz": "1\n2\nFizz\n4\nBuzz\nFizz\n7\n8\nFizz\nBuzz\n11\nFizz\n13\n14\nFizzBuzz\n",
}

func TestDemosCoverTable(t *testing.T) {
	for _, name := range demoNames() {
		if _, ok := demoOutputs[name]; !ok {
			t.Errorf("demo %s has no expected output", name)
		}
	}
}

func TestDemos(t *testing.T) {
	for name, want := range demoOutputs {
		t.Run(name, func(t *testing.T) {
			code, err := buildDemo(name)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if _, err := bytecode.Verify(code); err != nil {
				t.Fatalf("verify: %v", err)
			}
			// Same output with the loop tier off and compiling inline.
			for _, mode := range [][]string{{"-no-osr"}, {"-sync"}} {
				status, stdout, stderr := strata(t, append(mode, "demo", name)...)
				if status != 0 {
					t.Fatalf("%v: exit %d: %s", mode, status, stderr)
				}
				if stdout != want {
					t.Errorf("%v: output = %q, want %q", mode, stdout, want)
				}
			}
		})
	}
}

// TestDemoStepDeltas runs every demo in the baseline loop and checks each
// executed instruction's stack delta against the catalogue.
func TestDemoStepDeltas(t *testing.T) {
	for _, name := range demoNames() {
		t.Run(name, func(t *testing.T) {
			code, err := buildDemo(name)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			steps := 0
			cfg := runtime.DefaultConfig()
			cfg.Stdout = io.Discard
			cfg.OnStep = func(ev vm.StepEvent) {
				steps++
				jumped := ev.NextPC != ev.PC+ev.Width
				delta := bytecode.NetStackEffect(ev.Op, ev.Arg, ev.Arg2, jumped)
				if got := ev.TopAfter - ev.TopBefore; got != delta {
					t.Errorf("%s: %s at %04X: stack delta %d, want %d", ev.Frame.Code.Name, ev.Op, ev.PC, got, delta)
				}
			}
			rt, err := runtime.New(cfg)
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := rt.Run(code); err != nil {
				t.Fatalf("run: %v", err)
			}
			if steps == 0 {
				t.Error("no instructions observed")
			}
		})
	}
}

func TestEncodeRunVerifyDisasm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sum.cbor")
	if status, _, stderr := strata(t, "demo", "sum", path); status != 0 {
		t.Fatalf("demo: exit %d: %s", status, stderr)
	}

	status, stdout, stderr := strata(t, "-sync", "-stats", "run", path)
	if status != 0 {
		t.Fatalf("run: exit %d: %s", status, stderr)
	}
	if stdout != "5000050000\n" {
		t.Errorf("run output = %q", stdout)
	}
	if !strings.Contains(stderr, "loops       1 profiled, 1 hot") {
		t.Errorf("stats = %q", stderr)
	}

	status, stdout, _ = strata(t, "verify", path)
	if status != 0 || !strings.Contains(stdout, "<module>") || !strings.Contains(stdout, "ok") {
		t.Errorf("verify: exit %d, %q", status, stdout)
	}

	status, stdout, _ = strata(t, "disasm", path)
	if status != 0 || !strings.Contains(stdout, "JUMP_BACKWARD") {
		t.Errorf("disasm: exit %d, %q", status, stdout)
	}
	if strings.Contains(stdout, "\033[") {
		t.Error("disassembly colorized for a non-terminal")
	}
}

func TestYAMLStats(t *testing.T) {
	status, _, stderr := strata(t, "-no-osr", "-stats", "-format", "yaml", "demo", "sum")
	if status != 0 {
		t.Fatalf("exit %d: %s", status, stderr)
	}
	for _, want := range []string{"unit: <module>", "threshold: 50", "hot-loops: 1"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("yaml report missing %q:\n%s", want, stderr)
		}
	}
	if strings.Contains(stderr, "tier:") {
		t.Error("tier reported while disabled")
	}
}

func TestProfileStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "loops.db")
	// Without the tier every back edge reaches the policy, so counts are exact.
	if status, _, stderr := strata(t, "-profile", db, "-no-osr", "demo", "sum"); status != 0 {
		t.Fatalf("first run: exit %d: %s", status, stderr)
	}
	status, _, stderr := strata(t, "-profile", db, "-seed", "-no-osr", "-stats", "demo", "sum")
	if status != 0 {
		t.Fatalf("seeded run: exit %d: %s", status, stderr)
	}
	if !strings.Contains(stderr, "seeded      1 loops") {
		t.Errorf("seeded run stats = %q", stderr)
	}

	status, stdout, stderr := strata(t, "-profile", db, "stats")
	if status != 0 {
		t.Fatalf("stats: exit %d: %s", status, stderr)
	}
	if !strings.Contains(stdout, "2 runs, 1 loops") || !strings.Contains(stdout, "200,000 back edges over 2 runs") {
		t.Errorf("stats = %q", stdout)
	}

	status, stdout, _ = strata(t, "-profile", db, "-format", "yaml", "stats")
	if status != 0 || !strings.Contains(stdout, "label: demo:sum") {
		t.Errorf("yaml stats: exit %d, %q", status, stdout)
	}
}

func TestUncaughtException(t *testing.T) {
	b := bytecode.NewBuilder("<module>").SetFilename("fail")
	b.SourceAt(3).Emit(bytecode.OpLoadGlobal, b.Name("ValueError")).Emit(bytecode.OpLoadConst, b.Const("bad"))
	b.Emit(bytecode.OpCallFunction, 1).Emit(bytecode.OpRaiseVarargs, 1)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	code, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "fail.cbor")
	if err := dist.WriteFile(path, code); err != nil {
		t.Fatal(err)
	}

	status, _, stderr := strata(t, "run", path)
	if status != 1 {
		t.Errorf("exit = %d, want 1", status)
	}
	if !strings.Contains(stderr, "Traceback") || !strings.HasSuffix(stderr, "ValueError: bad\n") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, 2},
		{"unknown command", []string{"frobnicate"}, 2},
		{"bad format", []string{"-format", "xml", "stats"}, 2},
		{"run without file", []string{"run"}, 1},
		{"unknown demo", []string{"demo", "nosuch"}, 1},
		{"stats without database", []string{"stats"}, 1},
		{"missing file", []string{"run", "/nonexistent/unit.cbor"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _, _ := strata(t, tt.args...); status != tt.want {
				t.Errorf("exit = %d, want %d", status, tt.want)
			}
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	os.WriteFile(path, []byte("osr:\n  threshold: 9\n  enabled: true\nlog:\n  verbosity: 1\n"), 0644)

	opts, _, err := parseFlags([]string{"-config", path, "-threshold", "3", "-no-osr", "-v", "0"}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OSR.Threshold != 3 || cfg.OSR.Enabled || cfg.Log.Verbosity != 0 {
		t.Errorf("config = %+v", cfg)
	}

	opts, _, _ = parseFlags([]string{"-config", path}, &bytes.Buffer{})
	cfg, _ = loadConfig(opts)
	if cfg.OSR.Threshold != 9 || cfg.Log.Verbosity != 1 {
		t.Errorf("file values lost: %+v", cfg)
	}
	if def := manifest.Default(); cfg.Engine.MaxDepth != def.Engine.MaxDepth {
		t.Errorf("max depth = %d, want default %d", cfg.Engine.MaxDepth, def.Engine.MaxDepth)
	}
}

func TestColorize(t *testing.T) {
	out := termenv.NewOutput(io.Discard, termenv.WithProfile(termenv.ANSI))
	cyan := out.String("LOAD_NONE").Foreground(termenv.ANSICyan).String()
	faint := out.String("; === x ===").Faint().String()

	got := colorize(out, "; === x ===\n0000  LOAD_NONE\n0001  LOAD_FAST 0 ; n\n")
	lines := strings.Split(got, "\n")
	if lines[0] != faint {
		t.Errorf("header not dimmed: %q", lines[0])
	}
	if lines[1] != "0000  "+cyan {
		t.Errorf("mnemonic not highlighted: %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "LOAD_FAST"+termenv.CSI+termenv.ResetSeq+"m 0 ; n") {
		t.Errorf("operands not kept: %q", lines[2])
	}

	plain := termenv.NewOutput(io.Discard, termenv.WithProfile(termenv.Ascii))
	if got := colorize(plain, "0000  LOAD_NONE"); got != "0000  LOAD_NONE" {
		t.Errorf("ascii profile should not style: %q", got)
	}
}
