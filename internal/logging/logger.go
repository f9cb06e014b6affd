package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON LogFormat = "json"

	// FormatConsole outputs logs in a human-readable format
	FormatConsole LogFormat = "console"
)

// Config contains logger configuration
type Config struct {
	// Logging level (debug, info, warn, error)
	Level string

	// Output format (json or console)
	Format LogFormat

	// Whether to include caller information
	IncludeCaller bool

	// Output writer. Defaults to os.Stderr: stdout carries the Native
	// Messaging frames and must never receive log bytes.
	Output io.Writer
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		Format:        FormatJSON,
		IncludeCaller: false,
		Output:        os.Stderr,
	}
}

// Setup configures global logging
func Setup(config Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()

	level, err := parseLevel(config.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

// parseLevel converts a level string to zerolog.Level
func parseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Component returns a logger with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
