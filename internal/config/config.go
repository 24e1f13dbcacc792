// Package config loads the hypervisor description: where its page table and
// shadow page frames live, which functions to hook and how to log.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/svmhook/internal/hook"
	"github.com/tinyrange/svmhook/internal/hv"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "svmhook.yaml"
	SchemaVersion   = "v1"

	DefaultMemoryBase = 0x1_0000_0000
	DefaultMemorySize = 64 << 20
	DefaultFramePool  = 16 << 20
	DefaultShadowPool = 1 << 20
	DefaultLeaf       = 0x43211234
)

// Config is the on-disk hypervisor description.
type Config struct {
	Schema     string `yaml:"schema"`
	Processors int    `yaml:"processors,omitempty"`

	// Memory is the host-physical window the pools are carved from.
	Memory     Pool `yaml:"memory"`
	FramePool  Pool `yaml:"framePool"`
	ShadowPool Pool `yaml:"shadowPool"`

	DevirtualizeLeaf Address `yaml:"devirtualizeLeaf,omitempty"`

	Log LogConfig `yaml:"log"`

	Symbols map[string]Address `yaml:"symbols,omitempty"`
	Hooks   []HookConfig       `yaml:"hooks,omitempty"`
}

// Pool is a span of host-physical memory. A zero Base lets Layout place it.
type Pool struct {
	Base Address `yaml:"base,omitempty"`
	Size Size    `yaml:"size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HookConfig struct {
	Target     string  `yaml:"target"`
	Trampoline Address `yaml:"trampoline,omitempty"`
}

func (c *Config) normalize() {
	if c.Schema == "" {
		c.Schema = SchemaVersion
	}
	if c.Memory.Base == 0 && c.Memory.Size == 0 {
		c.Memory.Base = DefaultMemoryBase
	}
	if c.Memory.Size == 0 {
		c.Memory.Size = DefaultMemorySize
	}
	if c.FramePool.Size == 0 {
		c.FramePool.Size = DefaultFramePool
	}
	if c.ShadowPool.Size == 0 {
		c.ShadowPool.Size = DefaultShadowPool
	}
	if c.DevirtualizeLeaf == 0 {
		c.DevirtualizeLeaf = DefaultLeaf
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if !semver.IsValid(c.Schema) {
		return fmt.Errorf("schema %q is not a version", c.Schema)
	}
	if semver.Major(c.Schema) != semver.Major(SchemaVersion) {
		return fmt.Errorf("schema %s is not supported (want %s.x)", c.Schema, semver.Major(SchemaVersion))
	}
	if c.Processors < 0 {
		return fmt.Errorf("processors must not be negative")
	}
	if uint64(c.DevirtualizeLeaf) > 0xffff_ffff {
		return fmt.Errorf("devirtualizeLeaf %s does not fit in 32 bits", c.DevirtualizeLeaf)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format %q is not text or json", c.Log.Format)
	}

	seen := make(map[string]bool)
	for _, h := range c.Hooks {
		if h.Target == "" {
			return fmt.Errorf("hook without a target")
		}
		if seen[h.Target] {
			return fmt.Errorf("hook %s listed twice", h.Target)
		}
		seen[h.Target] = true
		if _, ok := c.Symbols[h.Target]; !ok {
			return fmt.Errorf("hook %s: %w", h.Target, hook.ErrUnresolved)
		}
	}
	return nil
}

// Layout places the frame and shadow pools inside the memory window.
func (c *Config) Layout() (frames, shadows hv.Region, err error) {
	space := hv.NewAddressSpace(hv.PhysicalAddress(c.Memory.Base), uint64(c.Memory.Size))

	place := func(name string, p Pool) (hv.Region, error) {
		if p.Base != 0 {
			if err := space.RegisterFixed(name, hv.PhysicalAddress(p.Base), uint64(p.Size)); err != nil {
				return hv.Region{}, err
			}
			return hv.Region{Name: name, Base: hv.PhysicalAddress(p.Base), Size: uint64(p.Size)}, nil
		}
		return space.Allocate(hv.RegionRequest{Name: name, Size: uint64(p.Size)})
	}

	// Fixed pools first so the placed ones flow around them.
	pools := []struct {
		name string
		pool Pool
		out  *hv.Region
	}{
		{"frames", c.FramePool, &frames},
		{"shadows", c.ShadowPool, &shadows},
	}
	for _, fixed := range []bool{true, false} {
		for _, p := range pools {
			if (p.pool.Base != 0) != fixed {
				continue
			}
			r, err := place(p.name, p.pool)
			if err != nil {
				return hv.Region{}, hv.Region{}, fmt.Errorf("layout: %w", err)
			}
			*p.out = r
		}
	}
	return frames, shadows, nil
}

// SymbolTable returns the symbols as physical addresses.
func (c *Config) SymbolTable() map[string]hv.PhysicalAddress {
	out := make(map[string]hv.PhysicalAddress, len(c.Symbols))
	for name, addr := range c.Symbols {
		out[name] = hv.PhysicalAddress(addr)
	}
	return out
}

// Targets returns the hooks in file order.
func (c *Config) Targets() []hook.Target {
	var out []hook.Target
	for _, h := range c.Hooks {
		out = append(out, hook.Target{Name: h.Target, Trampoline: uint64(h.Trampoline)})
	}
	return out
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Handler builds the slog handler the configuration describes. A non-nil
// override replaces the configured level.
func (l LogConfig) Handler(w io.Writer, override *slog.Level) (slog.Handler, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	if override != nil {
		level = *override
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("log format %q is not text or json", l.Format)
	}
}

// Parse decodes, defaults and validates a configuration. name is used in
// error messages.
func Parse(name string, data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", name, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Write stores cfg at path after filling in defaults.
func Write(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Address is a physical address or other 64-bit constant. It is written in
// hex and read from any integer notation.
type Address uint64

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

func (a Address) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(node.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", node.Line, node.Value)
	}
	*a = Address(v)
	return nil
}

// Size is a byte count that accepts KiB, MiB and GiB suffixes.
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"GiB", 30},
	{"MiB", 20},
	{"KiB", 10},
}

func (s Size) String() string {
	for _, sfx := range sizeSuffixes {
		if s != 0 && uint64(s)&(1<<sfx.shift-1) == 0 {
			return fmt.Sprintf("%d%s", uint64(s)>>sfx.shift, sfx.suffix)
		}
	}
	return strconv.FormatUint(uint64(s), 10)
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	text := strings.ReplaceAll(strings.TrimSpace(node.Value), "_", "")
	var shift uint
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(text, sfx.suffix) {
			text = strings.TrimSpace(strings.TrimSuffix(text, sfx.suffix))
			shift = sfx.shift
			break
		}
	}
	v, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q", node.Line, node.Value)
	}
	if v<<shift>>shift != v {
		return fmt.Errorf("line %d: size %q overflows", node.Line, node.Value)
	}
	*s = Size(v << shift)
	return nil
}
