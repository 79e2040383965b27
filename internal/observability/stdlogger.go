package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level filters log output by severity.
type Level int

const (
	// LevelDebug emits everything.
	LevelDebug Level = iota
	// LevelInfo suppresses debug output.
	LevelInfo
	// LevelWarn suppresses info and debug output.
	LevelWarn
	// LevelError only emits errors.
	LevelError
)

// ParseLevel maps a configuration string onto a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// StdLogger writes structured key=value lines through the standard library logger.
type StdLogger struct {
	level Level
	out   *log.Logger
}

// NewStdLogger creates a stderr-backed logger honouring the given level.
func NewStdLogger(level Level) *StdLogger {
	return &StdLogger{
		level: level,
		out:   log.New(os.Stderr, "", log.LstdFlags|log.LUTC),
	}
}

// Debug logs at debug severity.
func (l *StdLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, "DEBUG", msg, fields) }

// Info logs at info severity.
func (l *StdLogger) Info(msg string, fields ...Field) { l.emit(LevelInfo, "INFO", msg, fields) }

// Warn logs at warn severity.
func (l *StdLogger) Warn(msg string, fields ...Field) { l.emit(LevelWarn, "WARN", msg, fields) }

// Error logs at error severity.
func (l *StdLogger) Error(msg string, fields ...Field) { l.emit(LevelError, "ERROR", msg, fields) }

func (l *StdLogger) emit(level Level, tag, msg string, fields []Field) {
	if l == nil || l.out == nil || level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.Value))
	}
	l.out.Print(b.String())
}

func formatValue(v any) string {
	switch value := v.(type) {
	case string:
		if strings.ContainsAny(value, " \t\"") {
			return fmt.Sprintf("%q", value)
		}
		return value
	case error:
		return fmt.Sprintf("%q", value.Error())
	default:
		return fmt.Sprintf("%v", value)
	}
}
