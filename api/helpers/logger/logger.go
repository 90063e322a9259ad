// Package logger implements the framework's leveled log fan-out. Each of
// the six severity levels owns one process-wide sink; applications replace
// a sink to capture that level. Levels without a registered sink fall back
// to a logrus text logger on stderr.
package logger

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents a log severity level.
type Level int

// The six severity levels, in increasing order of severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelStatus
	LevelWarn
	LevelError
	LevelFatal
)

// levelNames holds names of the severity levels.
var levelNames = map[Level]string{
	LevelDebug:  "debug",
	LevelInfo:   "info",
	LevelStatus: "status",
	LevelWarn:   "warn",
	LevelError:  "error",
	LevelFatal:  "fatal",
}

// String returns the name of the level.
func (l Level) String() string {
	return levelNames[l]
}

// Sink receives one rendered log line.
type Sink func(text string)

var (
	sinkMu sync.RWMutex
	sinks  = make(map[Level]Sink)

	backend = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
)

// Register installs the sink as the current process-wide sink for the
// provided level, replacing any previous sink. A nil sink restores the
// default stderr logger for that level.
func Register(level Level, sink Sink) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if sink == nil {
		delete(sinks, level)
		return
	}

	sinks[level] = sink
}

// SetVerbosity adjusts the default stderr logger's minimum level.
// Registered sinks always receive their level regardless of verbosity.
func SetVerbosity(level Level) {
	switch level {
	case LevelDebug:
		backend.SetLevel(logrus.DebugLevel)
	case LevelInfo, LevelStatus:
		backend.SetLevel(logrus.InfoLevel)
	case LevelWarn:
		backend.SetLevel(logrus.WarnLevel)
	default:
		backend.SetLevel(logrus.ErrorLevel)
	}
}

func emit(level Level, text string) {
	sinkMu.RLock()
	sink, ok := sinks[level]
	sinkMu.RUnlock()

	if ok {
		sink(text)
		return
	}

	entry := backend.WithField("severity", level.String())

	switch level {
	case LevelDebug:
		entry.Debug(text)
	case LevelInfo, LevelStatus:
		entry.Info(text)
	case LevelWarn:
		entry.Warn(text)
	default:
		entry.Error(text)
	}
}

// Debug logs fine-grained diagnostic text.
func Debug(text string) { emit(LevelDebug, text) }

// Debugf logs formatted fine-grained diagnostic text.
func Debugf(format string, args ...any) { emit(LevelDebug, fmt.Sprintf(format, args...)) }

// Info logs verbose progress text.
func Info(text string) { emit(LevelInfo, text) }

// Infof logs formatted verbose progress text.
func Infof(format string, args ...any) { emit(LevelInfo, fmt.Sprintf(format, args...)) }

// Status logs normal operational milestones.
func Status(text string) { emit(LevelStatus, text) }

// Statusf logs formatted operational milestones.
func Statusf(format string, args ...any) { emit(LevelStatus, fmt.Sprintf(format, args...)) }

// Warn logs recoverable problems.
func Warn(text string) { emit(LevelWarn, text) }

// Warnf logs formatted recoverable problems.
func Warnf(format string, args ...any) { emit(LevelWarn, fmt.Sprintf(format, args...)) }

// Error logs failures of an operation.
func Error(text string) { emit(LevelError, text) }

// Errorf logs formatted failures of an operation.
func Errorf(format string, args ...any) { emit(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs unrecoverable failures. It does not terminate the process;
// lifecycle teardown is owned by the session.
func Fatal(text string) { emit(LevelFatal, text) }

// Fatalf logs formatted unrecoverable failures.
func Fatalf(format string, args ...any) { emit(LevelFatal, fmt.Sprintf(format, args...)) }
