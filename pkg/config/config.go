// Package config handles ccvm.toml toolchain configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"ccvm/pkg/compiler"
	"ccvm/pkg/linker"
	"ccvm/pkg/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "ccvm.toml"

// Link modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// Config represents a ccvm.toml file.
type Config struct {
	Compile Compile `toml:"compile"`
	Link    Link    `toml:"link"`
	VM      VM      `toml:"vm"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was loaded from, if any.
	Path string `toml:"-"`
}

// Compile configures code generation.
type Compile struct {
	StrictMerge bool `toml:"strict_merge"`
	MergeBlocks bool `toml:"merge_blocks"`
}

// Link configures the linker.
type Link struct {
	Mode  string `toml:"mode"`
	Entry string `toml:"entry"`
}

// VM bounds the virtual machine.
type VM struct {
	CycleCap  int   `toml:"cycle_cap"`
	StackTop  int64 `toml:"stack_top"`
	StackSize int64 `toml:"stack_size"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	d := vm.DefaultConfig()
	return &Config{
		Compile: Compile{StrictMerge: true},
		Link:    Link{Mode: ModeStatic, Entry: linker.DefaultEntry},
		VM:      VM{CycleCap: d.CycleCap, StackTop: d.StackTop, StackSize: d.StackSize},
	}
}

// Parse decodes configuration text over the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration key %s", undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// FindAndLoad walks up from startDir to find a ccvm.toml file. The
// defaults are returned when none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

func (c *Config) Validate() error {
	switch c.Link.Mode {
	case ModeStatic, ModeDynamic:
	default:
		return fmt.Errorf("link.mode must be %q or %q, not %q", ModeStatic, ModeDynamic, c.Link.Mode)
	}
	if c.Link.Entry == "" {
		return fmt.Errorf("link.entry must not be empty")
	}
	if c.VM.CycleCap <= 0 {
		return fmt.Errorf("vm.cycle_cap must be positive")
	}
	if c.VM.StackSize <= 0 || c.VM.StackSize > c.VM.StackTop {
		return fmt.Errorf("vm.stack_size must be in (0, stack_top]")
	}
	return nil
}

// CompilerOptions converts the [compile] and [link] sections.
func (c *Config) CompilerOptions() compiler.Options {
	return compiler.Options{
		StrictMerge: c.Compile.StrictMerge,
		MergeBlocks: c.Compile.MergeBlocks,
		Entry:       c.Link.Entry,
	}
}

// Machine converts the [vm] section.
func (c *Config) Machine() vm.Config {
	return vm.Config{
		CycleCap:  c.VM.CycleCap,
		StackTop:  c.VM.StackTop,
		StackSize: c.VM.StackSize,
	}
}

// LogFile returns the configured log file, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	return &c.Log.File
}
