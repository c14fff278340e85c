package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. The tracing argument uses the same level
// vocabulary as the "tracing" connection property (trace, debug, info, warn,
// error); an empty or unknown value falls back to info. Dev mode forces
// debug and switches to human-readable console output.
func Setup(dev bool, tracing string) zerolog.Logger {
	var logger zerolog.Logger
	level := parseTracing(tracing)
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	zerolog.SetGlobalLevel(level)

	return logger
}

func parseTracing(tracing string) zerolog.Level {
	if tracing == "" {
		return zerolog.InfoLevel
	}

	level, err := zerolog.ParseLevel(strings.ToLower(tracing))
	if err != nil {
		return zerolog.InfoLevel
	}

	return level
}
