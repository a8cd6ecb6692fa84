// Package manifest handles strata.toml (or strata.yaml) engine configuration.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// File names searched for, in order.
var FileNames = []string{"strata.toml", "strata.yaml", "strata.yml"}

// ErrInvalid reports a configuration value outside its allowed range.
var ErrInvalid = errors.New("invalid configuration")

// Config represents a strata engine configuration.
type Config struct {
	Engine  Engine  `toml:"engine" yaml:"engine"`
	OSR     OSR     `toml:"osr" yaml:"osr"`
	Log     Log     `toml:"log" yaml:"log"`
	Profile Profile `toml:"profile" yaml:"profile"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-" yaml:"-"`
}

// Engine configures the baseline interpreter.
type Engine struct {
	MaxDepth int `toml:"max-depth" yaml:"max-depth"`
}

// OSR configures hot-loop tiering.
type OSR struct {
	Enabled   bool `toml:"enabled" yaml:"enabled"`
	Threshold int  `toml:"threshold" yaml:"threshold"`
	QueueSize int  `toml:"queue-size" yaml:"queue-size"`
	Workers   int  `toml:"workers" yaml:"workers"`
	Sync      bool `toml:"sync" yaml:"sync"`
}

// Log configures commonlog output.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Profile configures the loop profile store.
type Profile struct {
	Path string `toml:"path" yaml:"path"` // SQLite database; empty disables the store
	Seed bool   `toml:"seed" yaml:"seed"` // Pre-mark loops that were hot in earlier runs
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Engine: Engine{MaxDepth: 1000},
		OSR: OSR{
			Enabled:   true,
			Threshold: 500,
			QueueSize: 64,
			Workers:   1,
		},
	}
}

// Load reads the first configuration file found in dir.
func Load(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no %s in %s: %w", strings.Join(FileNames, " or "), dir, os.ErrNotExist)
}

// LoadFile parses a configuration file, choosing the format by extension.
// Keys absent from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if c.Profile.Path != "" && !filepath.IsAbs(c.Profile.Path) {
		c.Profile.Path = filepath.Join(filepath.Dir(c.Path), c.Profile.Path)
	}
	return c, nil
}

// Parse decodes configuration data in the format named by ext (".toml",
// ".yaml" or ".yml") over the defaults and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	c := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", ErrInvalid, ext)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a configuration file, then
// loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return Load(dir)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Engine.MaxDepth < 1:
		return fmt.Errorf("%w: engine.max-depth must be positive, got %d", ErrInvalid, c.Engine.MaxDepth)
	case c.OSR.Threshold < 1:
		return fmt.Errorf("%w: osr.threshold must be positive, got %d", ErrInvalid, c.OSR.Threshold)
	case c.OSR.QueueSize < 0:
		return fmt.Errorf("%w: osr.queue-size must not be negative, got %d", ErrInvalid, c.OSR.QueueSize)
	case c.OSR.Workers < 0:
		return fmt.Errorf("%w: osr.workers must not be negative, got %d", ErrInvalid, c.OSR.Workers)
	case c.Log.Verbosity < -4 || c.Log.Verbosity > 4:
		return fmt.Errorf("%w: log.verbosity must be between -4 and 4, got %d", ErrInvalid, c.Log.Verbosity)
	case c.Profile.Seed && c.Profile.Path == "":
		return fmt.Errorf("%w: profile.seed needs profile.path", ErrInvalid)
	}
	return nil
}

// LogFile returns the log file path, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	return &c.Log.File
}
