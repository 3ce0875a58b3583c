// Package logger provides the leveled logging used across the provenance pipeline.
// It wraps the standard `log` package, filters messages by level and can mirror
// output into a monthly log file (see MonthlyFile).
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel is a type representing the logging level.
type LogLevel int32

const (
	// LevelDebug is used for detailed diagnostic output.
	LevelDebug LogLevel = iota
	// LevelInfo is used for general informational messages.
	LevelInfo
	// LevelWarn is used for recoverable problems such as dropped records.
	LevelWarn
	// LevelError is used for failed operations such as a dropped window.
	LevelError
	// LevelFatal is used for errors that terminate the process.
	LevelFatal
)

// logLevel is the current global log level, read by every logging goroutine.
var logLevel atomic.Int32

func init() {
	logLevel.Store(int32(LevelInfo))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

// ParseLevel converts "DEBUG", "INFO", "WARN", "ERROR" or "FATAL" (case-insensitive) to a LogLevel.
func ParseLevel(level string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO", "":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	case "FATAL":
		return LevelFatal, true
	}
	return LevelInfo, false
}

// SetLogLevel sets the global log level.
// An unknown value falls back to INFO and prints a notice to stderr.
func SetLogLevel(level string) {
	lv, ok := ParseLevel(level)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown log level '%s' specified. Defaulting to INFO level.\n", level)
	}
	logLevel.Store(int32(lv))
}

// CurrentLevel returns the active log level.
func CurrentLevel() LogLevel {
	return LogLevel(logLevel.Load())
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Setup applies the level and, when dir is non-empty, tees output into a monthly log file
// under dir. The returned MonthlyFile is nil when no directory is configured.
func Setup(level, dir, prefix string, maxFiles int) (*MonthlyFile, error) {
	SetLogLevel(level)
	if dir == "" {
		return nil, nil
	}
	mf, err := NewMonthlyFile(dir, prefix, maxFiles)
	if err != nil {
		return nil, err
	}
	SetOutput(io.MultiWriter(os.Stderr, mf))
	return mf, nil
}

func enabled(lv LogLevel) bool {
	return LogLevel(logLevel.Load()) <= lv
}

// Debugf formats and outputs a DEBUG level log message.
func Debugf(format string, v ...interface{}) {
	if enabled(LevelDebug) {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Infof formats and outputs an INFO level log message.
func Infof(format string, v ...interface{}) {
	if enabled(LevelInfo) {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warnf formats and outputs a WARN level log message.
func Warnf(format string, v ...interface{}) {
	if enabled(LevelWarn) {
		log.Printf("[WARN] "+format, v...)
	}
}

// Errorf formats and outputs an ERROR level log message.
func Errorf(format string, v ...interface{}) {
	if enabled(LevelError) {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Fatalf outputs a FATAL level log message and exits with status 1.
func Fatalf(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}
