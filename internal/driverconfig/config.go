// Package driverconfig parses the icr driver's icr.yaml, the runtime
// counterpart to funxy's own internal/ext funxy.yaml: stack capacity,
// initial frame count and the two startup switches spec.md §6 lists as
// driver properties (tracing, pry arming).
package driverconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level icr.yaml document.
type Config struct {
	// StackCapacity is the fixed byte capacity of the interpreter's
	// value stack (stack.New's first argument).
	StackCapacity int `yaml:"stack_capacity,omitempty"`

	// InitialFrameCount is the initial length of the frame array.
	InitialFrameCount int `yaml:"initial_frame_count,omitempty"`

	// TraceOnStart arms Interpreter.Trace before the first instruction
	// runs, instead of requiring a REPL/flag toggle.
	TraceOnStart bool `yaml:"trace_on_start,omitempty"`

	// PryArmOnStart arms pry before the first instruction runs, so the
	// very first honored node stops the session (spec.md §4.8).
	PryArmOnStart bool `yaml:"pry_arm_on_start,omitempty"`

	// Breakpoints pre-populates SetBreakpoint calls at startup, each
	// written as "file:line".
	Breakpoints []string `yaml:"breakpoints,omitempty"`
}

// DefaultStackCapacity and DefaultInitialFrameCount are used when a
// config omits them or no config file exists at all.
const (
	DefaultStackCapacity     = 1 << 20
	DefaultInitialFrameCount = 64
)

// Default returns a Config with every field at its default.
func Default() *Config {
	return &Config{
		StackCapacity:     DefaultStackCapacity,
		InitialFrameCount: DefaultInitialFrameCount,
	}
}

// Load reads and parses an icr.yaml file, filling in defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse parses icr.yaml content from bytes. path is used only in error
// messages.
func Parse(data []byte, path string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	if cfg.StackCapacity <= 0 {
		cfg.StackCapacity = DefaultStackCapacity
	}
	if cfg.InitialFrameCount <= 0 {
		cfg.InitialFrameCount = DefaultInitialFrameCount
	}
	return cfg, nil
}

// Find searches for icr.yaml starting from dir and walking up to parent
// directories, the same convention funxy's own ext.FindConfig uses for
// funxy.yaml. Returns "" with a nil error if none is found.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving directory: %w", err)
	}

	for {
		for _, name := range []string{"icr.yaml", "icr.yml"} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (c *Config) validate(path string) error {
	if c.StackCapacity < 0 {
		return fmt.Errorf("%s: stack_capacity must not be negative", path)
	}
	if c.InitialFrameCount < 0 {
		return fmt.Errorf("%s: initial_frame_count must not be negative", path)
	}
	for _, bp := range c.Breakpoints {
		if _, _, ok := splitBreakpoint(bp); !ok {
			return fmt.Errorf("%s: breakpoints entry %q must be file:line", path, bp)
		}
	}
	return nil
}

// splitBreakpoint parses one "file:line" breakpoint entry.
func splitBreakpoint(s string) (file string, line int, ok bool) {
	i := lastColon(s)
	if i < 0 {
		return "", 0, false
	}
	file = s[:i]
	n := 0
	for _, c := range s[i+1:] {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + int(c-'0')
	}
	if file == "" || len(s[i+1:]) == 0 {
		return "", 0, false
	}
	return file, n, true
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// ParsedBreakpoints returns every Breakpoints entry split into its
// file/line pair; entries are guaranteed well-formed after validate.
func (c *Config) ParsedBreakpoints() []struct {
	File string
	Line int
} {
	out := make([]struct {
		File string
		Line int
	}, 0, len(c.Breakpoints))
	for _, bp := range c.Breakpoints {
		file, line, _ := splitBreakpoint(bp)
		out = append(out, struct {
			File string
			Line int
		}{file, line})
	}
	return out
}
