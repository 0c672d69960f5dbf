package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"secret.vault/config"
)

// New builds the root logger. Secret content and passwords must never be
// passed to it; ids are logged by prefix only.
func New(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch cfg.Format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (must be 'json' or 'console')", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "secret-vault").Logger(), nil
}
