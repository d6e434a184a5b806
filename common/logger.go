package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel names the accepted values of the log_level setting.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig is the logging slice of the settings surface.
type LoggerConfig struct {
	Level  LogLevel // minimum level, defaults to info
	Format string   // "json" or "text"
}

// ConfigureLogger applies the configured level and format to the global
// Logger. Unknown levels fall back to info rather than failing startup.
func ConfigureLogger(config LoggerConfig) {
	switch config.Level {
	case LogLevelDebug:
		Logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		Logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
}

// ComponentLogger returns an entry pre-tagged with the component name,
// so every line a subsystem emits carries a stable "component" field.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
