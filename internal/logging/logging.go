// Package logging constructs the application logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options controls logger construction from CLI flags.
type Options struct {
	Verbose bool
	JSON    bool
	Output  io.Writer // defaults to stderr
}

// New builds the application logger. Components receive it from the
// application root; there is no package-level logger in library code.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}

// Discard returns a logger that drops everything. Used in tests and as the
// fallback when a component is constructed without a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
