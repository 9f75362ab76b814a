package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/labiium/edurouter-go/config"
)

// New returns a configured zerolog.Logger, honoring LOG_LEVEL and
// LOG_FORMAT ("console" for human-readable dev output, anything else
// for structured JSON suitable for log aggregation).
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return log.With().Str("env", cfg.Env).Logger()
}
