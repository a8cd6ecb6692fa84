package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[engine]
max-depth = 200

[osr]
enabled = true
threshold = 50
queue-size = 8
workers = 2
sync = true

[log]
verbosity = 2
file = "strata.log"

[profile]
path = "profile.db"
seed = true
`
	if err := os.WriteFile(filepath.Join(dir, "strata.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Engine.MaxDepth != 200 {
		t.Errorf("max-depth = %d, want 200", c.Engine.MaxDepth)
	}
	if c.OSR.Threshold != 50 || c.OSR.QueueSize != 8 || c.OSR.Workers != 2 || !c.OSR.Sync {
		t.Errorf("osr = %+v", c.OSR)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", c.Log.Verbosity)
	}
	if f := c.LogFile(); f == nil || *f != "strata.log" {
		t.Errorf("log file = %v, want strata.log", f)
	}
	if want := filepath.Join(dir, "profile.db"); c.Profile.Path != want {
		t.Errorf("profile path = %q, want %q", c.Profile.Path, want)
	}
	if !c.Profile.Seed {
		t.Error("profile seed should be true")
	}
	if c.Path != filepath.Join(dir, "strata.toml") {
		t.Errorf("path = %q", c.Path)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
engine:
  max-depth: 64
osr:
  enabled: false
log:
  verbosity: -1
`
	if err := os.WriteFile(filepath.Join(dir, "strata.yaml"), []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Engine.MaxDepth != 64 {
		t.Errorf("max-depth = %d, want 64", c.Engine.MaxDepth)
	}
	if c.OSR.Enabled {
		t.Error("osr should be disabled")
	}
	// Absent keys keep their defaults.
	if c.OSR.Threshold != 500 || c.OSR.Workers != 1 {
		t.Errorf("osr defaults lost: %+v", c.OSR)
	}
	if c.Log.Verbosity != -1 {
		t.Errorf("verbosity = %d, want -1", c.Log.Verbosity)
	}
}

func TestTOMLPreferredOverYAML(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "strata.toml"), []byte("[engine]\nmax-depth = 10\n"), 0644)
	os.WriteFile(filepath.Join(dir, "strata.yml"), []byte("engine:\n  max-depth: 20\n"), 0644)

	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.Engine.MaxDepth != 10 {
		t.Errorf("max-depth = %d, want 10 from strata.toml", c.Engine.MaxDepth)
	}
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	for _, ext := range []string{".toml", ".yaml"} {
		c, err := Parse(nil, ext)
		if err != nil {
			t.Fatalf("Parse(%s): %v", ext, err)
		}
		want := Default()
		if c.Engine != want.Engine || c.OSR != want.OSR || c.Log != want.Log || c.Profile != want.Profile {
			t.Errorf("%s: got %+v, want defaults", ext, c)
		}
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	tests := []struct {
		name string
		data string
		ext  string
	}{
		{"toml key", "[osr]\nthreshhold = 5\n", ".toml"},
		{"toml table", "[jit]\nenabled = true\n", ".toml"},
		{"yaml key", "osr:\n  threshhold: 5\n", ".yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data), tt.ext); err == nil {
				t.Error("expected an error for an unknown key")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero depth", func(c *Config) { c.Engine.MaxDepth = 0 }},
		{"zero threshold", func(c *Config) { c.OSR.Threshold = 0 }},
		{"negative queue", func(c *Config) { c.OSR.QueueSize = -1 }},
		{"negative workers", func(c *Config) { c.OSR.Workers = -2 }},
		{"verbosity too high", func(c *Config) { c.Log.Verbosity = 5 }},
		{"seed without path", func(c *Config) { c.Profile.Seed = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := Parse([]byte("{}"), ".json"); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "strata.toml"), []byte("[osr]\nthreshold = 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("expected configuration, got nil")
	}
	if c.OSR.Threshold != 7 {
		t.Errorf("threshold = %d, want 7", c.OSR.Threshold)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A stray strata file above the temp dir would be found; only check shape.
	if c != nil && c.Path == "" {
		t.Error("loaded configuration has no path")
	}
}

func TestAbsoluteProfilePathKept(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "p.db")
	os.WriteFile(filepath.Join(dir, "strata.toml"), []byte("[profile]\npath = \""+filepath.ToSlash(abs)+"\"\n"), 0644)

	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Clean(c.Profile.Path) != abs {
		t.Errorf("profile path = %q, want %q", c.Profile.Path, abs)
	}
}
