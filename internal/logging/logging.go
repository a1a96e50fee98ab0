// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Environment variables that override the flags.
const (
	EnvLevel  = "OTSCOPE_LOG_LEVEL"
	EnvFormat = "OTSCOPE_LOG_FORMAT"
)

// Options selects the level and output format.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// Configure applies opts to the standard logrus logger. Non-empty
// OTSCOPE_LOG_LEVEL and OTSCOPE_LOG_FORMAT take precedence.
func Configure(opts Options) error {
	if v := os.Getenv(EnvLevel); v != "" {
		opts.Level = v
	}
	if v := os.Getenv(EnvFormat); v != "" {
		opts.Format = v
	}
	if opts.Level == "" {
		opts.Level = "info"
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	var formatter logrus.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	default:
		return fmt.Errorf("logging: unknown format %q (use text or json)", opts.Format)
	}

	logrus.SetOutput(opts.Output)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter)
	return nil
}
