package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/yousef-awad/copilot-more/internal/config"
)

// New returns a configured zerolog.Logger. In development it writes a
// human-readable console format; otherwise it writes structured JSON.
// Level is parsed from cfg.LogLevel, defaulting to info on a bad value.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Env == "development" {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
