// Package logging provides the process-wide logger, gated by an
// env-var level the way spec §6 specifies (a RUST_LOG-style variable,
// here LEDGERD_LOG). Built on the standard log package, matching the
// teacher's log.Printf-everywhere style rather than pulling in a
// structured-logging library the corpus never reaches for.
package logging

import (
	"log"
	"os"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func parseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// Logger is a level-gated wrapper around *log.Logger.
type Logger struct {
	level Level
	std   *log.Logger
}

// FromEnv builds a Logger reading LEDGERD_LOG (error|warn|info|debug|trace),
// defaulting to info.
func FromEnv(prefix string) *Logger {
	lvl := parseLevel(os.Getenv("LEDGERD_LOG"))
	return &Logger{
		level: lvl,
		std:   log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) log(level Level, tag, format string, args ...any) {
	if level > l.level {
		return
	}
	l.std.Printf(tag+" "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "[ERROR]", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "[WARN]", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "[INFO]", format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "[DEBUG]", format, args...) }
func (l *Logger) Tracef(format string, args ...any) { l.log(LevelTrace, "[TRACE]", format, args...) }
