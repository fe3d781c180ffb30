package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Level is the logging level.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

type sink struct {
	level   Level
	out     *log.Logger
	enabled bool
}

var global = &sink{enabled: false}

// Init configures the global logger. With enabled=false all output is
// suppressed. When both a file and console are requested, lines go to both.
func Init(enabled bool, levelStr, logFile string, console bool) error {
	if !enabled {
		global = &sink{enabled: false}
		return nil
	}

	var writers []io.Writer
	if logFile != "" {
		if dir := filepath.Dir(logFile); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}
	if console || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	global = &sink{
		level:   ParseLevel(levelStr),
		out:     log.New(io.MultiWriter(writers...), "", 0),
		enabled: true,
	}
	return nil
}

// ParseLevel maps a level name to a Level, defaulting to Info.
func ParseLevel(levelStr string) Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	}
	return Info
}

func (s *sink) emit(level Level, format string, args ...interface{}) {
	if s == nil || !s.enabled || level < s.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	s.out.Printf("[%s] [%s] %s", ts, levelNames[level], fmt.Sprintf(format, args...))
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) { global.emit(Debug, format, args...) }

// Infof logs an info message.
func Infof(format string, args ...interface{}) { global.emit(Info, format, args...) }

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) { global.emit(Warn, format, args...) }

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) { global.emit(Error, format, args...) }

// Session returns a logger that prefixes every line with the session id.
type SessionLogger struct {
	id string
}

// Session creates a session-scoped logger.
func Session(id string) *SessionLogger {
	return &SessionLogger{id: id}
}

func (l *SessionLogger) prefix(format string) string {
	return "[session " + l.id + "] " + format
}

// Debugf logs a debug message tagged with the session id.
func (l *SessionLogger) Debugf(format string, args ...interface{}) {
	global.emit(Debug, l.prefix(format), args...)
}

// Infof logs an info message tagged with the session id.
func (l *SessionLogger) Infof(format string, args ...interface{}) {
	global.emit(Info, l.prefix(format), args...)
}

// Warnf logs a warning tagged with the session id.
func (l *SessionLogger) Warnf(format string, args ...interface{}) {
	global.emit(Warn, l.prefix(format), args...)
}

// Errorf logs an error tagged with the session id.
func (l *SessionLogger) Errorf(format string, args ...interface{}) {
	global.emit(Error, l.prefix(format), args...)
}
