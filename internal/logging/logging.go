// Package logging configures the logrus logger shared by the CLI and daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options selects the logger's level, format and destination.
type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// New builds a logger from opts. Out defaults to stderr.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FullTimestamp:   true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return logger, nil
}

// ParseLevel maps a level name onto a logrus level; "" means info.
func ParseLevel(name string) (logrus.Level, error) {
	if strings.TrimSpace(name) == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// Ensure returns logger, or the logrus standard logger if it is nil.
func Ensure(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	return logrus.StandardLogger()
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
