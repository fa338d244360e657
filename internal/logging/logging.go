// Package logging builds the process logger and a few helpers for timing
// operations.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/s3mirror/s3mirror/internal/config"
)

// New returns a logger configured from cfg. When cfg.File is set, output
// goes to a size-rotated file instead of stderr.
func New(cfg config.Log) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, &config.Error{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", cfg.Level), Err: err}
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, &config.Error{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", cfg.Format)}
	}

	logger.SetOutput(Output(cfg))
	return logger, nil
}

// Output returns the writer described by cfg.
func Output(cfg config.Log) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns logger, or a discarding logger if it is nil.
func OrDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// Timed runs fn and logs its duration at debug level under name.
func Timed[T any](log logrus.FieldLogger, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	entry := log.WithFields(logrus.Fields{
		"op":      name,
		"elapsed": time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Debug("operation failed")
	} else {
		entry.Debug("operation done")
	}
	return v, err
}

// TimedErr is Timed for functions that return only an error.
func TimedErr(log logrus.FieldLogger, name string, fn func() error) error {
	_, err := Timed(log, name, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
