// SPDX-License-Identifier: AGPL-3.0-only
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// LogLevel is the minimum severity a Logger emits.
type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

const levelFatal = slog.Level(12)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	case Fatal:
		return levelFatal
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a LogLevel, defaulting to Info.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	case "fatal":
		return Fatal
	default:
		return Info
	}
}

// Options configures New.
type Options struct {
	Output  io.Writer // defaults to os.Stderr
	Level   LogLevel
	NoColor bool
}

// Logger is a leveled printf-style logger backed by slog.
type Logger struct {
	slog   *slog.Logger
	closer io.Closer
}

// New creates a logger writing tint-formatted records to opts.Output.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handler := tint.NewHandler(out, &tint.Options{
		Level:      opts.Level.slogLevel(),
		TimeFormat: "2006-01-02 15:04:05.000",
		NoColor:    opts.NoColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.Any() == levelFatal {
				return slog.String(slog.LevelKey, "FTL")
			}
			return a
		},
	})
	return &Logger{slog: slog.New(handler)}
}

// FileLogger creates a logger appending uncolored records to path.
func FileLogger(path string, level LogLevel) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	l := New(Options{Output: f, Level: level, NoColor: true})
	l.closer = f
	return l, nil
}

// WithField returns a child logger that adds key=value to every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{slog: l.slog.With(key, value), closer: l.closer}
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.slog.Enabled(context.Background(), level.slogLevel())
}

func (l *Logger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}

// Fatalf logs and exits the process with status 1.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logf(levelFatal, format, args...)
	os.Exit(1)
}

// Close releases the log file of a FileLogger. No-op otherwise.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(Options{Level: Info})
)

// GetDefaultLogger returns the process-wide logger.
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the process-wide logger.
func SetDefaultLogger(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Discard returns a logger that drops everything, for tests.
func Discard() *Logger {
	return New(Options{Output: io.Discard, Level: Fatal, NoColor: true})
}

// Since formats the time elapsed since start for log lines.
func Since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
