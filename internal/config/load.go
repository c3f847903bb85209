package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Load reads, defaults, and validates the roster from a YAML file. Ordinals
// are assigned to any node missing one, in roster order; callers that mutate
// the roster should Save it afterwards so assignments stick.
func Load(path string) (*Config, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal yaml: %v", ErrConfig, err)
	}

	var cfg Config
	if err := mapstructure.Decode(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode roster: %v", ErrConfig, err)
	}

	cfg.ApplyDefaults()
	cfg.assignOrdinals()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the roster back to disk, preserving assigned ordinals. The
// write is atomic via a temp file rename so a crash never truncates the
// roster.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal roster: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".meshadm-roster-*")
	if err != nil {
		return fmt.Errorf("failed to create temp roster: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write roster: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp roster: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod roster: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace roster: %w", err)
	}
	return nil
}

// StatePath resolves the state file location relative to the roster file.
func (c *Config) StatePath(rosterPath string) string {
	if filepath.IsAbs(c.State.Path) {
		return c.State.Path
	}
	return filepath.Join(filepath.Dir(rosterPath), c.State.Path)
}
