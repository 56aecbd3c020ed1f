// Package logging configures the process-wide logrus logger: a text
// formatter to stderr plus an optional rotating file sink, matching
// the dual stream/file handler setup the original tooling used.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Options configures the rotating log file. LogFile empty disables
// file logging entirely (stderr only).
type Options struct {
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      logrus.Level
}

// DefaultOptions rotates the log file at 10 MB and keeps up to five
// backups for at most 14 days.
var DefaultOptions = Options{
	MaxSizeMB:  10,
	MaxBackups: 5,
	MaxAgeDays: 14,
	Level:      logrus.InfoLevel,
}

// New builds a logrus.Logger writing to stderr and, if opts.LogFile is
// set, to a lumberjack-rotated file at the same time.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(opts.Level)

	out := io.Writer(os.Stderr)
	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	logger.SetOutput(out)
	return logger
}
