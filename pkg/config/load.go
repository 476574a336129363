package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ProjectFiles are the project file names looked up in the root, in order.
// The first one that exists is used.
//
//nolint:gochecknoglobals // fixed lookup order
var ProjectFiles = []string{".conductor.yaml", ".conductor.yml", ".conductor.toml"}

// LoadProject reads the project file in root. It returns the zero Config
// and an empty path when there is none.
func LoadProject(root string) (Config, string, error) {
	for _, name := range ProjectFiles {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path) //nolint:gosec // path is built from the project root
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, "", fmt.Errorf("read %s: %w", path, err)
		}

		var cfg Config
		if filepath.Ext(name) == ".toml" {
			err = toml.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return Config{}, "", fmt.Errorf("parse %s: %w", path, err)
		}
		return cfg, path, nil
	}
	return Config{}, "", nil
}

// Override applies a value given explicitly on the command line. Overrides
// run after the project file is merged, so they win even when the value is
// the zero value the merge would otherwise fill.
type Override func(*Config)

// Resolve completes the configuration given on the command line: values
// from the project file in flags.Root fill fields the flags left at their
// zero value, overrides are applied, then defaults fill whatever is still
// unset. The result is validated. The returned path names the project file
// used, if any.
func Resolve(flags Config, overrides ...Override) (Config, string, error) {
	if flags.Root == "" {
		flags.Root = "."
	}
	file, path, err := LoadProject(flags.Root)
	if err != nil {
		return Config{}, "", err
	}

	cfg := flags
	if err := mergo.Merge(&cfg, file); err != nil {
		return Config{}, "", fmt.Errorf("merge %s: %w", path, err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return Config{}, "", fmt.Errorf("merge defaults: %w", err)
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns(cfg.Backend)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}
