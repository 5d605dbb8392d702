// Package logging builds the structured logger handed to connectors and the runner.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the interface components accept.
type Logger = logrus.FieldLogger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Options configures a logger.
type Options struct {
	// Level is a logrus level name (debug, info, warn, error).
	Level string

	// Format is "text" or "json".
	Format string

	// Output defaults to io.Discard when nil.
	Output io.Writer
}

// New creates a configured logger instance.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	logger.SetOutput(out)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format: %s", opts.Format)
	}

	level := logrus.WarnLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = l
	}
	logger.SetLevel(level)

	return logger, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
