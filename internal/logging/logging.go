// Package logging configures the process-wide zerolog logger, the same
// library the teacher's gortpengine package uses for its own sub-loggers
// (client.go's "log.Logger.With().Str(...).Logger()" pattern).
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options controls the process-wide logger setup.
type Options struct {
	// Level is one of zerolog's level names (debug, info, warn, error);
	// defaults to "info" when empty or unrecognized.
	Level string
	// Pretty selects a human-readable console writer instead of JSON,
	// for interactive use (SPEC_FULL's test-tooling ambient stack).
	Pretty bool
}

// New builds a base zerolog.Logger per opts and returns it; components
// derive their own sub-loggers from it via Component. It does not replace
// the package-global logger of github.com/rs/zerolog/log.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger
}

// Component returns a sub-logger tagged with name, mirroring the
// teacher's "log.Logger.With().Str(\"New\", \"Client\").Logger()" style.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
