package infrastructure

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/architeacher/svc-commerce-core/internal/config"
)

// Logger wraps zerolog so the rest of the module depends on one logging type.
type Logger struct {
	zerolog.Logger
}

// New creates a logger configured from LoggingConfig. Unknown levels fall
// back to info.
func New(cfg config.LoggingConfig) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	logger = logger.Level(level).With().Timestamp().Logger()

	return &Logger{Logger: logger}
}
