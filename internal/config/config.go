// Package config loads tapline.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tapline/internal/instrument"
	"tapline/internal/trace"
)

// FileName is the name of the configuration file.
const FileName = "tapline.toml"

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the content of tapline.toml.
type Config struct {
	// Path is the file the config was loaded from, empty for defaults.
	Path string `toml:"-"`

	Run      RunConfig      `toml:"run"`
	Engine   EngineConfig   `toml:"engine"`
	Limits   LimitsConfig   `toml:"limits"`
	Trace    TraceConfig    `toml:"trace"`
	Coverage CoverageConfig `toml:"coverage"`
}

type RunConfig struct {
	// Main lists the sources evaluated by `tapline run` without arguments.
	Main []string `toml:"main"`
	// Scripts are Lua instruments attached before evaluation.
	Scripts []string `toml:"scripts"`
}

type EngineConfig struct {
	SafepointTimeout Duration `toml:"safepoint_timeout"`
	InstrumentErrors string   `toml:"instrument_errors"`
	MaxDepth         int      `toml:"max_depth"`
}

type LimitsConfig struct {
	StatementLimit   int64    `toml:"statement_limit"`
	StatementSources []string `toml:"statement_sources"`
}

type TraceConfig struct {
	Level     string   `toml:"level"`
	Mode      string   `toml:"mode"`
	Format    string   `toml:"format"`
	Output    string   `toml:"output"`
	RingSize  int      `toml:"ring_size"`
	Heartbeat Duration `toml:"heartbeat"`
}

type CoverageConfig struct {
	Output string   `toml:"output"`
	Tags   []string `toml:"tags"`
}

// Default returns the configuration used without a tapline.toml.
func Default() *Config {
	return &Config{
		Trace: TraceConfig{
			Level:    "off",
			Mode:     "ring",
			RingSize: 4096,
		},
	}
}

// Find walks up from startDir looking for tapline.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Discover loads the nearest tapline.toml above startDir, or the defaults.
func Discover(startDir string) (*Config, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Default(), nil
	}
	return Load(path)
}

// Load reads and validates the config at path. Unset keys keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("limits") && !meta.IsDefined("limits", "statement_limit") {
		return nil, fmt.Errorf("%s: missing [limits].statement_limit", path)
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Validate checks values that the TOML types cannot express.
func (c *Config) Validate() error {
	if c.Limits.StatementLimit < 0 {
		return fmt.Errorf("[limits].statement_limit must not be negative, got %d", c.Limits.StatementLimit)
	}
	if c.Engine.SafepointTimeout.Duration < 0 {
		return fmt.Errorf("[engine].safepoint_timeout must not be negative")
	}
	if c.Engine.MaxDepth < 0 {
		return fmt.Errorf("[engine].max_depth must not be negative")
	}
	if _, err := instrument.ParseErrorPolicy(c.Engine.InstrumentErrors); err != nil {
		return fmt.Errorf("[engine].instrument_errors: %w", err)
	}
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		return fmt.Errorf("[trace].level: %w", err)
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		return fmt.Errorf("[trace].mode: %w", err)
	}
	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		return fmt.Errorf("[trace].format: %w", err)
	}
	if c.Trace.RingSize < 0 {
		return fmt.Errorf("[trace].ring_size must not be negative")
	}
	for _, name := range c.Coverage.Tags {
		if _, err := instrument.ParseTag(name); err != nil {
			return fmt.Errorf("[coverage].tags: %w", err)
		}
	}
	return nil
}

// resolve makes file paths relative to the config directory absolute.
func (c *Config) resolve(root string) {
	abs := func(p string) string {
		if p == "" || p == "-" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, filepath.FromSlash(p))
	}
	for i, p := range c.Run.Main {
		c.Run.Main[i] = abs(p)
	}
	for i, p := range c.Run.Scripts {
		c.Run.Scripts[i] = abs(p)
	}
	c.Coverage.Output = abs(c.Coverage.Output)
	c.Trace.Output = abs(c.Trace.Output)
}

// CoverageTags returns the configured coverage tags.
func (c *Config) CoverageTags() []instrument.Tag {
	tags := make([]instrument.Tag, 0, len(c.Coverage.Tags))
	for _, name := range c.Coverage.Tags {
		if tag, err := instrument.ParseTag(name); err == nil {
			tags = append(tags, tag)
		}
	}
	return tags
}
