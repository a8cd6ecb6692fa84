package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/pkg/bytecode"
	"github.com/chazu/strata/profile"
	"github.com/chazu/strata/vm"
)

// runReport summarizes one execution.
type runReport struct {
	Unit        string        `yaml:"unit"`
	Fingerprint string        `yaml:"fingerprint"`
	CodeBytes   int           `yaml:"code-bytes"`
	Elapsed     time.Duration `yaml:"elapsed"`
	Policy      policyReport  `yaml:"policy"`
	Tier        *tierReport   `yaml:"tier,omitempty"`
	Run         string        `yaml:"run,omitempty"`
	HotLoops    []loopReport  `yaml:"hot-loops,omitempty"`
}

type policyReport struct {
	Threshold int   `yaml:"threshold"`
	Loops     int   `yaml:"loops"`
	HotLoops  int   `yaml:"hot-loops"`
	BackEdges int64 `yaml:"back-edges"`
	Seeded    int   `yaml:"seeded,omitempty"`
}

type tierReport struct {
	Entries       uint64        `yaml:"entries"`
	LoopsCompiled uint64        `yaml:"loops-compiled"`
	Failures      uint64        `yaml:"failures"`
	Dropped       uint64        `yaml:"dropped"`
	CompileTime   time.Duration `yaml:"compile-time"`
}

type loopReport struct {
	Loop      string `yaml:"loop"`
	BackEdges int64  `yaml:"back-edges"`
	Hot       bool   `yaml:"hot"`
	Runs      int    `yaml:"runs,omitempty"`
	LastRun   string `yaml:"last-run,omitempty"`
}

func newRunReport(s *session, code *bytecode.CodeUnit, elapsed time.Duration) *runReport {
	stats := s.policy.Stats()
	r := &runReport{
		Unit:        code.Name,
		Fingerprint: fmt.Sprintf("%016x", vm.Fingerprint(code)),
		CodeBytes:   len(code.Code),
		Elapsed:     elapsed,
		Policy: policyReport{
			Threshold: s.policy.Threshold,
			Loops:     stats.Loops,
			HotLoops:  stats.HotLoops,
			BackEdges: stats.BackEdges,
			Seeded:    s.seeded,
		},
	}
	if s.tier != nil {
		cs := s.compiler.Stats()
		r.Tier = &tierReport{
			Entries:       s.tier.Entries(),
			LoopsCompiled: cs.LoopsCompiled,
			Failures:      cs.Failures,
			Dropped:       cs.Dropped,
			CompileTime:   cs.CompileTime,
		}
	}
	if s.run != nil {
		r.Run = s.run.ID.String()
	}
	snap := s.policy.Snapshot()
	for _, key := range s.policy.Top(5) {
		if !s.policy.IsHot(key) {
			continue
		}
		r.HotLoops = append(r.HotLoops, loopReport{Loop: key.String(), BackEdges: snap[key], Hot: true})
	}
	return r
}

func writeReport(w io.Writer, r *runReport, format string) error {
	if format == "yaml" {
		return writeYAML(w, r)
	}
	fmt.Fprintf(w, "unit        %s (%s, %s)\n", r.Unit, r.Fingerprint, humanize.Bytes(uint64(r.CodeBytes)))
	fmt.Fprintf(w, "elapsed     %s\n", r.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "loops       %d profiled, %d hot, %s back edges (threshold %s)\n",
		r.Policy.Loops, r.Policy.HotLoops, humanize.Comma(r.Policy.BackEdges), humanize.Comma(int64(r.Policy.Threshold)))
	if r.Policy.Seeded > 0 {
		fmt.Fprintf(w, "seeded      %d loops from the profile store\n", r.Policy.Seeded)
	}
	if r.Tier != nil {
		fmt.Fprintf(w, "tier        %s entries, %d compiled, %d failed, %d dropped, %s compiling\n",
			humanize.Comma(int64(r.Tier.Entries)), r.Tier.LoopsCompiled, r.Tier.Failures, r.Tier.Dropped, r.Tier.CompileTime)
	} else {
		fmt.Fprintf(w, "tier        disabled\n")
	}
	if r.Run != "" {
		fmt.Fprintf(w, "run         %s\n", r.Run)
	}
	for _, l := range r.HotLoops {
		fmt.Fprintf(w, "  hot %s  %s back edges\n", l.Loop, humanize.Comma(l.BackEdges))
	}
	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// profileReport is the stats command output.
type profileReport struct {
	Database string       `yaml:"database"`
	Runs     []runEntry   `yaml:"runs"`
	Loops    []loopReport `yaml:"loops"`
}

type runEntry struct {
	ID       string    `yaml:"id"`
	Label    string    `yaml:"label"`
	Started  time.Time `yaml:"started"`
	Finished bool      `yaml:"finished"`
}

func statsCommand(cfg *manifest.Config, opts *options, stdout io.Writer) error {
	if cfg.Profile.Path == "" {
		return fmt.Errorf("no profile database: set [profile] path or pass -profile")
	}
	store, err := profile.Open(cfg.Profile.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	loops, err := store.Loops()
	if err != nil {
		return err
	}

	r := &profileReport{Database: store.Path()}
	for _, run := range runs {
		r.Runs = append(r.Runs, runEntry{
			ID:       run.ID.String(),
			Label:    run.Label,
			Started:  run.Started,
			Finished: !run.Finished.IsZero(),
		})
	}
	for _, l := range loops {
		r.Loops = append(r.Loops, loopReport{
			Loop:      l.Key.String(),
			BackEdges: l.BackEdges,
			Hot:       l.Hot,
			Runs:      l.Runs,
			LastRun:   l.LastRun.String(),
		})
	}

	if opts.format == "yaml" {
		return writeYAML(stdout, r)
	}
	fmt.Fprintf(stdout, "%s: %d runs, %d loops\n", r.Database, len(runs), len(loops))
	for _, run := range runs {
		state := "finished"
		if run.Finished.IsZero() {
			state = "unfinished"
		}
		fmt.Fprintf(stdout, "  run %s  %-16s %s, %s\n", run.ID, run.Label, humanize.Time(run.Started), state)
	}
	for _, l := range r.Loops {
		mark := " "
		if l.Hot {
			mark = "*"
		}
		fmt.Fprintf(stdout, "%s %s  %12s back edges over %d %s\n",
			mark, l.Loop, humanize.Comma(l.BackEdges), l.Runs, pluralize(l.Runs, "run"))
	}
	return nil
}

func pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
