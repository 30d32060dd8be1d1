// Package logging provides structured logging for the check-in station and store.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Logger provides structured logging on top of logrus.
type Logger struct {
	base     *logrus.Logger
	minLevel LogLevel
}

var (
	globalMu sync.RWMutex
	global   *Logger
)

// New creates a Logger writing to out in the given format.
func New(out io.Writer, minLevel LogLevel, format string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(toLogrus(minLevel))

	if format == FormatText {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	}

	return &Logger{base: base, minLevel: minLevel}
}

// Init replaces the global logger with a JSON logger.
func Init(out io.Writer, minLevel LogLevel) {
	InitWithFormat(out, minLevel, FormatJSON)
}

// InitWithFormat replaces the global logger.
func InitWithFormat(out io.Writer, minLevel LogLevel, format string) {
	l := New(out, minLevel, format)

	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// Get returns the global logger instance, creating a stdout INFO logger on first use.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(os.Stdout, LevelInfo, FormatJSON)
	}
	return global
}

// ParseLevel converts a config string such as "debug" or "WARN" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// MinLevel returns the lowest level this logger writes.
func (l *Logger) MinLevel() LogLevel {
	return l.minLevel
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *Logger) entry(err error, context []map[string]interface{}) *logrus.Entry {
	e := logrus.NewEntry(l.base)
	if fields := mergeContext(context...); len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// mergeContext merges multiple context maps; later maps win.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.entry(nil, context).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.entry(nil, context).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.entry(nil, context).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.entry(err, context).Error(message)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	fields := map[string]interface{}{"error_code": code}
	l.entry(err, append(context, fields)).Error(message)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
