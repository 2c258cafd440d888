// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogLevel returns the level for logs in tests, overridable with the
// GRIDX_TEST_LOG_LEVEL environment variable.
func LogLevel() string {
	if testLogLevel := os.Getenv("GRIDX_TEST_LOG_LEVEL"); testLogLevel != "" {
		return testLogLevel
	}
	return "WARN"
}

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
	Name() string
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	prefix string
	t      Logger
}

// Write to an underlying Logger. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t Logger) io.Writer {
	return &writer{t: t}
}

// HCLogger returns an hclog.Logger whose output goes through the test's
// log buffer, so logs show up only for failing tests.
func HCLogger(t Logger) hclog.Logger {
	level := LogLevel()
	opts := &hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           hclog.LevelFromString(level),
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.New(opts)
}
