/**
 * @description
 * Shared logger construction for the benefit service. Log lines keep the
 * `level=... component=... msg="..."` key/value shape used across the platform.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: structured, leveled logging.
 */
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Entry is a logger bound to a set of fields.
type Entry = *logrus.Entry

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger builds a text logger at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(out io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// ParseLevel maps a config string to a logrus level.
func ParseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// ForComponent returns an entry tagged with service and component fields.
func ForComponent(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"service":   "benefit-service",
		"component": component,
	})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	return newLogger(io.Discard, "error")
}
