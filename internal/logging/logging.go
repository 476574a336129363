// Package logging builds the charmbracelet loggers used across conductor.
// Loggers are passed to components explicitly; nothing reads a package
// global.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Config holds the logger configuration.
type Config struct {
	Level      charmlog.Level
	Output     io.Writer
	Prefix     string
	JSON       bool
	TimeFormat string
}

// DefaultConfig logs warnings and above to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      charmlog.WarnLevel,
		Output:     os.Stderr,
		TimeFormat: "15:04:05",
	}
}

// LevelFor maps the --verbose flag to a level: debug lines only show in
// verbose mode.
func LevelFor(verbose bool) charmlog.Level {
	if verbose {
		return charmlog.DebugLevel
	}
	return charmlog.WarnLevel
}

// ParseLevel accepts debug, info, warn or error; anything else is info.
func ParseLevel(s string) charmlog.Level {
	switch s {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// New builds a logger from cfg. A nil Output means stderr.
func New(cfg Config) *charmlog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	format := cfg.TimeFormat
	if format == "" {
		format = "15:04:05"
	}
	logger := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      format,
		Level:           cfg.Level,
		Prefix:          cfg.Prefix,
	})
	if cfg.JSON {
		logger.SetFormatter(charmlog.JSONFormatter)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *charmlog.Logger {
	return charmlog.NewWithOptions(io.Discard, charmlog.Options{Level: charmlog.FatalLevel})
}
