// Package logging configures the logrus logger shared by memcx components.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/cli"
	"github.com/orizon-lang/memcx/internal/config"
)

// New builds a logger writing to w from the log section of cfg.
func New(cfg config.LogConfig, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	Apply(logger, cfg)
	return logger
}

// Apply reconfigures an existing logger, e.g. after a config reload.
func Apply(logger *logrus.Logger, cfg config.LogConfig) {
	logger.SetLevel(Level(cfg.Level))
	logger.SetFormatter(Formatter(cfg.Format))
}

// Level maps a level name, or its first letter, to a logrus level.
// Unknown names mean info.
func Level(name string) logrus.Level {
	switch name {
	case "trace", "t":
		return logrus.TraceLevel
	case "debug", "d":
		return logrus.DebugLevel
	case "info", "i":
		return logrus.InfoLevel
	case "warn", "warning", "w":
		return logrus.WarnLevel
	case "error", "err", "e":
		return logrus.ErrorLevel
	case "fatal", "f":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Formatter returns the formatter for "json" or "text".
func Formatter(format string) logrus.Formatter {
	switch format {
	case "json":
		return &logrus.JSONFormatter{}
	default:
		return &logrus.TextFormatter{FullTimestamp: true}
	}
}

// Component returns the entry a component logs through.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": name,
		"version":   cli.Version,
	})
}
