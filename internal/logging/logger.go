// Package logging provides a leveled, structured logrus-based logger.
// The cache core's failures are reported as log records rather than
// returned errors, so callers of internal/record and internal/tilestore
// need a leveled logger with structured fields rather than an error
// value to inspect.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level is the minimum severity a Logger emits.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Format is the log line encoding.
type Format string

const (
	TextFormat Format = "text"
	JSONFormat Format = "json"
)

// Config configures a Logger.
type Config struct {
	Level     Level
	Format    Format
	AddCaller bool
}

// DefaultConfig returns the package's default Config values.
func DefaultConfig() Config {
	return Config{Level: InfoLevel, Format: TextFormat, AddCaller: true}
}

// Logger is the leveled, structured logging surface the cache core talks
// to. kv is a flat list of alternating key/value pairs, logrus-Fields
// style, so call sites read like `log.Warn("msg", "key", val)`.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// With returns a Logger that always includes the given fields, used
	// to scope a logger to one cache key or record for the life of an
	// operation.
	With(kv ...any) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger from Config.
func New(cfg Config) Logger {
	l := logrus.New()
	l.SetLevel(parseLevel(cfg.Level))
	l.SetOutput(os.Stdout)
	l.SetReportCaller(cfg.AddCaller)

	switch cfg.Format {
	case JSONFormat:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FullTimestamp:   true,
		})
	}

	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewFromEnv builds a Logger configured from the LOG_LEVEL/LOG_FORMAT
// environment variables.
func NewFromEnv() Logger {
	cfg := DefaultConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = Level(strings.ToLower(v))
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = Format(strings.ToLower(v))
	}
	return New(cfg)
}

func parseLevel(l Level) logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *logrusLogger) fields(kv []any) logrus.Fields {
	if len(kv) == 0 {
		return nil
	}
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (l *logrusLogger) Debug(msg string, kv ...any) { l.entry.WithFields(l.fields(kv)).Debug(msg) }
func (l *logrusLogger) Info(msg string, kv ...any)  { l.entry.WithFields(l.fields(kv)).Info(msg) }
func (l *logrusLogger) Warn(msg string, kv ...any)  { l.entry.WithFields(l.fields(kv)).Warn(msg) }
func (l *logrusLogger) Error(msg string, kv ...any) { l.entry.WithFields(l.fields(kv)).Error(msg) }

func (l *logrusLogger) With(kv ...any) Logger {
	return &logrusLogger{entry: l.entry.WithFields(l.fields(kv))}
}

var def Logger

// Default returns the process-wide default Logger, built from the
// environment on first use.
func Default() Logger {
	if def == nil {
		def = NewFromEnv()
	}
	return def
}

// SetDefault overrides the process-wide default Logger, e.g. from a cmd's
// main() after flag parsing.
func SetDefault(l Logger) {
	def = l
}
