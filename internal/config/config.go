// Package config implements BitChat's recognized configuration options
// (spec.md §6) as a plain struct with yaml struct tags, loaded with
// gopkg.in/yaml.v3. Grounded on PeernetOfficial-core's Settings.go
// (package-level struct, `yaml:"Field"` tags, defaults applied before
// unmarshal) from the retrieval pack — the teacher repository itself
// has no yaml-based config, so this follows the rest of the pack as
// SPEC_FULL.md's ambient stack section directs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized core configuration option (spec.md §6).
type Config struct {
	MaxMessageSize      int    `yaml:"maxMessageSize"`
	DefaultTTL          int    `yaml:"defaultTTL"`
	ResendCooldownMs    int    `yaml:"resendCooldownMs"`
	HandshakeTimeoutMs  int    `yaml:"handshakeTimeoutMs"`
	ReassemblyTimeoutMs int    `yaml:"reassemblyTimeoutMs"`
	DedupWindowSeconds  int    `yaml:"dedupWindowSeconds"`
	DedupCapacity       int    `yaml:"dedupCapacity"`
	RelayEnabled        bool   `yaml:"relayEnabled"`
	MaxFragmentSize     int    `yaml:"maxFragmentSize"`

	// DataDir and RelayURL are ambient-stack additions (not named by
	// spec.md §6's enumerated list, which covers only the protocol
	// knobs) needed to actually construct a runnable core: where
	// persisted state lives, and the optional relay fallback to dial.
	DataDir  string `yaml:"dataDir"`
	RelayURL string `yaml:"relayURL"`
}

// Default returns spec.md §6's documented default values.
func Default() Config {
	return Config{
		MaxMessageSize:      500_000,
		DefaultTTL:          7,
		ResendCooldownMs:    5000,
		HandshakeTimeoutMs:  10000,
		ReassemblyTimeoutMs: 30000,
		DedupWindowSeconds:  60,
		DedupCapacity:       1024,
		RelayEnabled:        true,
		MaxFragmentSize:     400,
		DataDir:             "./bitchat-data",
	}
}

// Load reads a YAML config file at path, applying Default() values for
// any field the file omits. A missing file is not an error: it yields
// the defaults, matching PeernetOfficial's "fall back to built-in
// default settings" behavior on a load failure.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ResendCooldown returns ResendCooldownMs as a time.Duration.
func (c Config) ResendCooldown() time.Duration {
	return time.Duration(c.ResendCooldownMs) * time.Millisecond
}

// HandshakeTimeout returns HandshakeTimeoutMs as a time.Duration.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// ReassemblyTimeout returns ReassemblyTimeoutMs as a time.Duration.
func (c Config) ReassemblyTimeout() time.Duration {
	return time.Duration(c.ReassemblyTimeoutMs) * time.Millisecond
}

// DedupWindow returns DedupWindowSeconds as a time.Duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}
