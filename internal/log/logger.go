package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Production writes JSON lines; other
// environments get the colored console writer.
func New(environment, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if environment != "production" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(ParseLevel(level, environment))

	return zerolog.New(out).With().
		Timestamp().
		Str("env", environment).
		Logger()
}

// ParseLevel maps a configured level name. Empty means debug outside
// production and info in production.
func ParseLevel(level, environment string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		if environment != "production" {
			return zerolog.DebugLevel
		}
	}
	return zerolog.InfoLevel
}
