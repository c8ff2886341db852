// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for brisby nodes and
// index providers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultMaxInflight    = 64
	defaultRequestTimeout = 30
	defaultMaxAttempts    = 5
	defaultPublishTTL     = 24 * 60 * 60
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Provider names one index provider.
type Provider struct {
	// Name is a human-readable label.
	Name string

	// Address is the provider's anonymous address.
	Address string
}

// Transfer tunes the download engine.
type Transfer struct {
	// MaxInflight is the concurrent chunk request bound.
	MaxInflight int

	// RequestTimeoutSecs is the per-chunk reply timeout in seconds.
	RequestTimeoutSecs int

	// MaxAttempts is the per-chunk attempt bound.
	MaxAttempts int
}

func (t *Transfer) fixup() {
	if t.MaxInflight == 0 {
		t.MaxInflight = defaultMaxInflight
	}
	if t.RequestTimeoutSecs == 0 {
		t.RequestTimeoutSecs = defaultRequestTimeout
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = defaultMaxAttempts
	}
}

// Timeout returns the per-chunk timeout as a Duration.
func (t *Transfer) Timeout() time.Duration {
	return time.Duration(t.RequestTimeoutSecs) * time.Second
}

// Seeding tunes the serve side.
type Seeding struct {
	// PublishTTLSecs is the lifetime requested for publications; the
	// seeder republishes at half this interval.
	PublishTTLSecs int

	// MaxInflight bounds concurrent chunk responses.
	MaxInflight int
}

func (s *Seeding) fixup() {
	if s.PublishTTLSecs == 0 {
		s.PublishTTLSecs = defaultPublishTTL
	}
	if s.MaxInflight == 0 {
		s.MaxInflight = defaultMaxInflight
	}
}

// Config is the top level configuration.
type Config struct {
	// DataDir is the absolute path to the node's state directory.
	DataDir string

	Logging   *Logging
	Providers []Provider
	Transfer  *Transfer
	Seeding   *Seeding
}

// ProviderAddresses returns the configured provider addresses.
func (c *Config) ProviderAddresses() []string {
	out := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.Address)
	}
	return out
}

// ChunksDir returns the chunk store root.
func (c *Config) ChunksDir() string {
	return c.DataDir
}

// ManifestsPath returns the manifest library database path.
func (c *Config) ManifestsPath() string {
	return filepath.Join(c.DataDir, "manifests.db")
}

// CatalogPath returns the local catalog database path.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// FixupAndValidate applies defaults and checks the configuration for
// errors.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", c.DataDir)
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Transfer == nil {
		c.Transfer = &Transfer{}
	}
	c.Transfer.fixup()
	if c.Seeding == nil {
		c.Seeding = &Seeding{}
	}
	c.Seeding.fixup()
	for _, p := range c.Providers {
		if p.Address == "" {
			return fmt.Errorf("config: provider '%v' has no address", p.Name)
		}
	}
	return nil
}

// Load parses the provided buffer into a Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
