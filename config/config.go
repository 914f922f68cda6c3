// Package config handles raya.toml engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/rayalang/raya/vm"
)

// Config represents a raya.toml engine configuration.
type Config struct {
	Engine    Engine    `toml:"engine"`
	GC        GC        `toml:"gc"`
	Snapshots Snapshots `toml:"snapshots"`
	Logging   Logging   `toml:"logging"`

	// Dir is the directory containing the raya.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures the scheduler and interpreter.
type Engine struct {
	Workers          int `toml:"workers"`
	InstructionQuota int `toml:"instruction-quota"`
	IOPoolSize       int `toml:"io-pool-size"`
	MaxFrames        int `toml:"max-frames"`
}

// GC configures the collector.
type GC struct {
	Threshold    uint64 `toml:"threshold"`
	MaxThreshold uint64 `toml:"max-threshold"`
	HeapLimit    uint64 `toml:"heap-limit"`
}

// Snapshots configures snapshot persistence.
type Snapshots struct {
	Store string `toml:"store"`
}

// Logging configures log output.
type Logging struct {
	Verbosity int `toml:"verbosity"`
}

// Load parses a raya.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "raya.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if c.Snapshots.Store == "" {
		c.Snapshots.Store = "snapshots.db"
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a raya.toml file, then loads
// and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "raya.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// StorePath returns the absolute path of the configured snapshot store.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Snapshots.Store) {
		return c.Snapshots.Store
	}
	return filepath.Join(c.Dir, c.Snapshots.Store)
}

// EngineConfig converts the file configuration into engine tunables. Zero
// fields fall through to the engine defaults.
func (c *Config) EngineConfig() vm.Config {
	return vm.Config{
		Workers:          c.Engine.Workers,
		InstructionQuota: c.Engine.InstructionQuota,
		IOPoolSize:       c.Engine.IOPoolSize,
		MaxFrames:        c.Engine.MaxFrames,
		GCThreshold:      c.GC.Threshold,
		GCMaxThreshold:   c.GC.MaxThreshold,
		HeapLimit:        c.GC.HeapLimit,
	}
}
