package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the process-wide zerolog logger. Console output is the
// default; json is what the systemd units on build hosts collect.
func Setup(levelStr string, json bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if json {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	log.Logger = logger.Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)

	if err != nil {
		log.Warn().Str("level", levelStr).Msg("invalid log level, defaulting to info")
	}
}
