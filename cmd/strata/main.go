// Strata CLI - runs and inspects encoded code units
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/strata/manifest"
)

var log = commonlog.GetLogger("strata.cli")

// errUsage is returned after usage text has been printed.
var errUsage = errors.New("usage")

// options holds the global flags. Zero values mean "use the configuration".
type options struct {
	configPath  string
	verbosity   int
	logFile     string
	threshold   int
	noOSR       bool
	syncCompile bool
	profilePath string
	seed        bool
	stats       bool
	format      string

	set map[string]bool // Flags given explicitly
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) || errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	commonlog.Configure(cfg.Log.Verbosity, cfg.LogFile())
	if cfg.Path != "" {
		log.Debugf("configuration from %s", cfg.Path)
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "run":
		err = requireArgs(cmd, cmdArgs, 1, "<unit.cbor>", func() error {
			return runFile(cfg, opts, cmdArgs[0], stdout, stderr)
		})
	case "disasm":
		err = requireArgs(cmd, cmdArgs, 1, "<unit.cbor>", func() error {
			return disasmFile(cmdArgs[0], stdout)
		})
	case "verify":
		err = requireArgs(cmd, cmdArgs, 1, "<unit.cbor>", func() error {
			return verifyFile(cmdArgs[0], stdout)
		})
	case "demo":
		err = demoCommand(cfg, opts, cmdArgs, stdout, stderr)
	case "stats":
		err = statsCommand(cfg, opts, stdout)
	case "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		usage(stderr)
		return 2
	}

	var uncaught *uncaughtError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	case errors.As(err, &uncaught):
		fmt.Fprint(stderr, uncaught.report)
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	opts := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("strata", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Configuration file (default: search for strata.toml upward)")
	fs.IntVar(&opts.verbosity, "v", 0, "Log verbosity (-4 to 4)")
	fs.StringVar(&opts.logFile, "log", "", "Log file (default: stderr)")
	fs.IntVar(&opts.threshold, "threshold", 0, "Back edges before a loop is offered to the loop tier")
	fs.BoolVar(&opts.noOSR, "no-osr", false, "Keep every loop in the baseline interpreter")
	fs.BoolVar(&opts.syncCompile, "sync", false, "Compile hot loops inline instead of in the background")
	fs.StringVar(&opts.profilePath, "profile", "", "Loop profile database")
	fs.BoolVar(&opts.seed, "seed", false, "Seed the hot-edge policy from the loop profile database")
	fs.BoolVar(&opts.stats, "stats", false, "Print execution statistics after run")
	fs.StringVar(&opts.format, "format", "text", "Statistics format: text or yaml")
	fs.Usage = func() { usage(stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	if opts.format != "text" && opts.format != "yaml" {
		return nil, nil, fmt.Errorf("unknown format %q", opts.format)
	}
	return opts, fs.Args(), nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: strata [options] <command> [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run <unit.cbor>          Run an encoded module\n")
	fmt.Fprintf(w, "  disasm <unit.cbor>       Disassemble an encoded unit\n")
	fmt.Fprintf(w, "  verify <unit.cbor>       Check stack discipline of every unit\n")
	fmt.Fprintf(w, "  demo [name [out.cbor]]   List, run or encode a built-in demo\n")
	fmt.Fprintf(w, "  stats                    Show the stored loop profile\n")
	fmt.Fprintf(w, "\nOptions:\n")
	fmt.Fprintf(w, "  -config path    Configuration file\n")
	fmt.Fprintf(w, "  -v n            Log verbosity (-4 to 4)\n")
	fmt.Fprintf(w, "  -log path       Log file\n")
	fmt.Fprintf(w, "  -threshold n    Hot loop threshold\n")
	fmt.Fprintf(w, "  -no-osr         Disable the loop tier\n")
	fmt.Fprintf(w, "  -sync           Compile hot loops inline\n")
	fmt.Fprintf(w, "  -profile path   Loop profile database\n")
	fmt.Fprintf(w, "  -seed           Seed hot loops from the profile database\n")
	fmt.Fprintf(w, "  -stats          Print statistics after run\n")
	fmt.Fprintf(w, "  -format f       Statistics format: text or yaml\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  strata demo sum sum.cbor && strata -stats run sum.cbor\n")
	fmt.Fprintf(w, "  strata -profile loops.db -seed run sum.cbor\n")
	fmt.Fprintf(w, "  strata -profile loops.db -format yaml stats\n")
}

func requireArgs(cmd string, args []string, n int, shape string, fn func() error) error {
	if len(args) != n {
		return fmt.Errorf("usage: strata %s %s", cmd, shape)
	}
	return fn()
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts *options) (*manifest.Config, error) {
	var (
		cfg *manifest.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = manifest.LoadFile(opts.configPath)
	} else {
		cfg, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}

	if opts.set["v"] {
		cfg.Log.Verbosity = opts.verbosity
	}
	if opts.set["log"] {
		cfg.Log.File = opts.logFile
	}
	if opts.set["threshold"] {
		cfg.OSR.Threshold = opts.threshold
	}
	if opts.noOSR {
		cfg.OSR.Enabled = false
	}
	if opts.syncCompile {
		cfg.OSR.Sync = true
	}
	if opts.set["profile"] {
		cfg.Profile.Path = opts.profilePath
	}
	if opts.seed {
		cfg.Profile.Seed = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
