package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/yinkev/causalytics/internal/config"
)

// New builds the service's zerolog.Logger, console-formatted in
// development and gated at debug level there, info level otherwise.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
