package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	currentLevel atomic.Int32
	logger       = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

	// exit is swapped by tests that exercise Fatal.
	exit = os.Exit
)

func init() {
	currentLevel.Store(int32(LogLevelInfo))
}

func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

func Level() LogLevel {
	return LogLevel(currentLevel.Load())
}

// SetOutput redirects all leveled output, mostly for tests and the CLI.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func enabled(level LogLevel) bool {
	return LogLevel(currentLevel.Load()) <= level
}

func Debug(format string, v ...interface{}) {
	if enabled(LogLevelDebug) {
		logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

func Info(format string, v ...interface{}) {
	if enabled(LogLevelInfo) {
		logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	if enabled(LogLevelWarn) {
		logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

func Error(format string, v ...interface{}) {
	if enabled(LogLevelError) {
		logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// Fatal logs regardless of level and terminates the process. Binlog
// integrity violations end up here: there is no local repair for them.
func Fatal(format string, v ...interface{}) {
	logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	exit(1)
}
