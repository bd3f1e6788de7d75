// Package logging builds the zerolog logger used throughout tgraph.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/tgraph/pkg/config"
)

// SetLoggingLevel sets the process-wide minimum level.
func SetLoggingLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// New returns a logger configured by cfg. The process-wide level is set to
// cfg.Level as well, so loggers derived elsewhere agree with it.
func New(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log output %q", cfg.Output)
	}

	return NewWithWriter(cfg, out, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, out io.Writer, level zerolog.Level) (zerolog.Logger, error) {
	switch cfg.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	SetLoggingLevel(level)
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "tgraph").Logger(), nil
}
