package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LogLevelSilent disables all logging
	LogLevelSilent LogLevel = iota
	// LogLevelError shows only errors
	LogLevelError
	// LogLevelWarn shows warnings and errors
	LogLevelWarn
	// LogLevelInfo shows info, warnings, and errors (verbose mode)
	LogLevelInfo
	// LogLevelDebug shows all logs including debug information
	LogLevelDebug
)

var levelNames = map[LogLevel]string{
	LogLevelSilent: "silent",
	LogLevelError:  "error",
	LogLevelWarn:   "warn",
	LogLevelInfo:   "info",
	LogLevelDebug:  "debug",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a level name ("silent", "error", "warn", "info", "debug")
// to a LogLevel. Matching is case-insensitive.
func ParseLevel(name string) (LogLevel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	for level, n := range levelNames {
		if n == name {
			return level, nil
		}
	}
	return LogLevelError, fmt.Errorf("unknown log level %q", name)
}

// Logger provides leveled logging on top of a zap core
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	atom  zap.AtomicLevel
	sugar *zap.SugaredLogger
}

var defaultLogger = newLogger(os.Stderr, LogLevelError)

func newLogger(output io.Writer, level LogLevel) *Logger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	atom := zap.NewAtomicLevelAt(zapLevel(level))
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(output),
		atom,
	)

	return &Logger{
		level: level,
		atom:  atom,
		sugar: zap.New(core).Sugar(),
	}
}

// zapLevel translates a LogLevel into the minimum enabled zap level.
// Silent maps above Fatal so nothing is emitted.
func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel + 1
	}
}

func (l *Logger) setLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.atom.SetLevel(zapLevel(level))
}

func (l *Logger) getLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	defaultLogger.setLevel(level)
}

// GetLogLevel returns the current log level
func GetLogLevel() LogLevel {
	return defaultLogger.getLevel()
}

// SetOutput redirects the global logger, keeping the current level.
func SetOutput(w io.Writer) {
	level := GetLogLevel()
	next := newLogger(w, level)
	_ = defaultLogger.sugar.Sync()
	defaultLogger.mu.Lock()
	defaultLogger.atom = next.atom
	defaultLogger.sugar = next.sugar
	defaultLogger.mu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() error {
	return defaultLogger.sugarLogger().Sync()
}

func (l *Logger) sugarLogger() *zap.SugaredLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sugar
}

func (l *Logger) log(level zapcore.Level, format string, args ...interface{}) {
	l.mu.Lock()
	atom, sugar := l.atom, l.sugar
	l.mu.Unlock()
	if !atom.Enabled(level) {
		return
	}

	message := redactSensitive(fmt.Sprintf(format, args...))
	switch level {
	case zapcore.DebugLevel:
		sugar.Debug(message)
	case zapcore.InfoLevel:
		sugar.Info(message)
	case zapcore.WarnLevel:
		sugar.Warn(message)
	default:
		sugar.Error(message)
	}
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(zapcore.DebugLevel, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(zapcore.InfoLevel, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(zapcore.WarnLevel, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(zapcore.ErrorLevel, format, args...)
}

// redactSensitive removes credentials from log messages
func redactSensitive(message string) string {
	// user:password@host in URLs
	for _, scheme := range []string{"http://", "https://"} {
		start := 0
		for {
			idx := strings.Index(message[start:], scheme)
			if idx == -1 {
				break
			}
			hostStart := start + idx + len(scheme)
			end := strings.IndexAny(message[hostStart:], "/ \n")
			if end == -1 {
				end = len(message) - hostStart
			}
			authority := message[hostStart : hostStart+end]
			if at := strings.LastIndex(authority, "@"); at != -1 {
				message = message[:hostStart] + "***" + message[hostStart+at:]
				end = len("***") + len(authority) - at
			}
			start = hostStart + end
		}
	}

	return message
}
