// Package config holds the run configuration shared by the conductor
// command, the dispatcher and the formatters, and loads the optional
// project file that supplies defaults for it.
package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/shlex"
)

// Formatter names.
const (
	FormatterAuto  = ""
	FormatterPlain = "plain"
	FormatterCI    = "ci"
	FormatterFancy = "fancy"
)

// Backend names.
const (
	BackendGoTest  = "gotest"
	BackendCommand = "command"
)

// MaxRandomSeed bounds the seed picked when none is configured.
const MaxRandomSeed = 65536

// Config is the configuration of one run. It is built once by the command
// and passed by pointer to the components that need it.
type Config struct {
	Workers                int      `yaml:"workers" toml:"workers"`
	Offset                 int      `yaml:"offset" toml:"offset"`
	FirstIs1               bool     `yaml:"first_is_1" toml:"first_is_1"`
	Seed                   *uint64  `yaml:"seed" toml:"seed"`
	FailFastAfter          int      `yaml:"fail_fast_after" toml:"fail_fast_after"`
	Formatter              string   `yaml:"formatter" toml:"formatter"`
	Verbose                bool     `yaml:"verbose" toml:"verbose"`
	DisplayRetryBacktraces bool     `yaml:"display_retry_backtraces" toml:"display_retry_backtraces"`
	Backend                string   `yaml:"backend" toml:"backend"`
	Command                string   `yaml:"command" toml:"command"`
	BackendArgs            []string `yaml:"args" toml:"args"`
	Prefork                string   `yaml:"prefork" toml:"prefork"`
	Postfork               string   `yaml:"postfork" toml:"postfork"`
	Patterns               []string `yaml:"patterns" toml:"patterns"`
	HistoryPath            string   `yaml:"history" toml:"history"`

	Root         string        `yaml:"-" toml:"-"`
	PollInterval time.Duration `yaml:"-" toml:"-"`
}

// Defaults returns the values used for anything neither the command line
// nor the project file sets.
func Defaults() Config {
	return Config{
		Workers:      4,
		Backend:      BackendGoTest,
		Root:         ".",
		HistoryPath:  DefaultHistoryPath(),
		PollInterval: 10 * time.Millisecond,
	}
}

// DefaultHistoryPath is the run journal location under the user cache
// directory, or "" when there is none.
func DefaultHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "conductor", "history.db")
}

// Validate rejects configurations the dispatcher cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Offset < 0 {
		errs = append(errs, fmt.Errorf("offset must not be negative, got %d", c.Offset))
	}
	if c.FailFastAfter < 0 {
		errs = append(errs, fmt.Errorf("fail-fast threshold must not be negative, got %d", c.FailFastAfter))
	}
	if !slices.Contains([]string{FormatterAuto, FormatterPlain, FormatterCI, FormatterFancy}, c.Formatter) {
		errs = append(errs, fmt.Errorf("unknown formatter %q", c.Formatter))
	}
	switch c.Backend {
	case BackendGoTest:
	case BackendCommand:
		if c.Command == "" {
			errs = append(errs, errors.New("the command backend needs a command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	for name, s := range map[string]string{"command": c.Command, "prefork": c.Prefork, "postfork": c.Postfork} {
		if _, err := shlex.Split(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}

// CommandArgs splits the backend command line.
func (c *Config) CommandArgs() ([]string, error) {
	return split(c.Command)
}

// PreforkArgs splits the prefork hook command line.
func (c *Config) PreforkArgs() ([]string, error) {
	return split(c.Prefork)
}

// PostforkArgs splits the postfork hook command line.
func (c *Config) PostforkArgs() ([]string, error) {
	return split(c.Postfork)
}

func split(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", s, err)
	}
	return args, nil
}

// ResolveSeed picks a random seed when none is configured and returns the
// seed in effect.
func (c *Config) ResolveSeed() uint64 {
	if c.Seed == nil {
		seed := rand.Uint64N(MaxRandomSeed)
		c.Seed = &seed
	}
	return *c.Seed
}

// DefaultPatterns returns the item discovery globs for a backend.
func DefaultPatterns(backend string) []string {
	if backend == BackendCommand {
		return []string{"spec/**/*_spec.rb"}
	}
	return []string{"**/*_test.go"}
}
