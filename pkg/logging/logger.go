package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the minimum severity a Logger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the tag written into each log line.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// LevelFromVerbosity maps a verbosity setting (quiet, normal, verbose, debug)
// to a Level. Unknown values map to LevelInfo.
func LevelFromVerbosity(verbosity string) Level {
	switch strings.ToLower(strings.TrimSpace(verbosity)) {
	case "quiet":
		return LevelWarn
	case "debug", "verbose":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Logger provides leveled logging for harvest components.
// Logs are written to a run-specific file in the log directory
// (~/.calcharvest/logs by default) and optionally mirrored to a console writer.
type Logger struct {
	runID     string
	component string
	level     Level
	file      *os.File
	logger    *log.Logger
	mirror    io.Writer
	mu        *sync.Mutex
	logPath   string
	closeOnce *sync.Once
}

var (
	// Global run ID for the current execution
	runID     string
	runIDOnce sync.Once

	// logDir is the directory where log files are stored
	logDir string

	// initOnce ensures directory initialization happens once
	initOnce sync.Once

	// initErr stores any error from directory initialization
	initErr error

	defaultLevel  = LevelInfo
	defaultMirror io.Writer
	settingsMu    sync.RWMutex
)

// getRunID returns or creates the run ID for this execution
func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// Configure sets the log directory, default level and console mirror used by
// loggers created afterwards. An empty dir keeps ~/.calcharvest/logs.
// It must be called before the first NewLogger call to affect the directory.
func Configure(dir string, level Level, mirror io.Writer) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if dir != "" && logDir == "" {
		logDir = dir
	}
	defaultLevel = level
	defaultMirror = mirror
}

// initLogDirectory ensures the log directory exists
func initLogDirectory() error {
	initOnce.Do(func() {
		settingsMu.Lock()
		defer settingsMu.Unlock()

		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			logDir = filepath.Join(homeDir, ".calcharvest", "logs")
		}
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
	})
	return initErr
}

func currentSettings() (Level, io.Writer) {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return defaultLevel, defaultMirror
}

// NewLogger creates a new logger for a specific component.
// The logger writes to <log dir>/<run-id>-calcharvest.log
//
// If the log directory cannot be created or the log file cannot be opened,
// it returns a fallback logger that writes to stderr along with the error.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, err), err
	}

	id := getRunID()
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-calcharvest.log", id))

	// Open log file in append mode (every component writes to the same file)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallbackLogger(component, fmt.Errorf("failed to open log file: %w", err)), err
	}

	level, mirror := currentSettings()
	return &Logger{
		runID:     id,
		component: component,
		level:     level,
		file:      file,
		logger:    log.New(file, "", 0),
		mirror:    mirror,
		mu:        &sync.Mutex{},
		logPath:   logPath,
		closeOnce: &sync.Once{},
	}, nil
}

// NewWithWriter creates a logger that writes to w only. It is used by tests
// and by callers embedding the harvester.
func NewWithWriter(component string, w io.Writer) *Logger {
	level, _ := currentSettings()
	return &Logger{
		runID:     getRunID(),
		component: component,
		level:     level,
		logger:    log.New(w, "", 0),
		mu:        &sync.Mutex{},
		closeOnce: &sync.Once{},
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter("discard", io.Discard)
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails
func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, "", 0)
	level, _ := currentSettings()
	l := &Logger{
		runID:     getRunID(),
		component: component,
		level:     level,
		logger:    logger,
		mu:        &sync.Mutex{},
		closeOnce: &sync.Once{},
	}
	l.Warnf("failed to initialize file logging: %v", err)
	l.Warnf("falling back to stderr logging")
	return l
}

// With returns a logger for a sub-component that shares this logger's
// output and lock. Closing the child does not close the parent's file.
func (l *Logger) With(sub string) *Logger {
	return &Logger{
		runID:     l.runID,
		component: l.component + "/" + sub,
		level:     l.level,
		logger:    l.logger,
		mirror:    l.mirror,
		mu:        l.mu,
		logPath:   l.logPath,
		closeOnce: &sync.Once{},
	}
}

// SetLevel changes the minimum level written by this logger.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// formatLogEntry creates a structured log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) write(level Level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}
	entry := l.formatLogEntry(level, fmt.Sprintf(format, v...))
	l.logger.Println(entry)
	if l.mirror != nil {
		fmt.Fprintln(l.mirror, entry)
	}
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write(LevelDebug, format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write(LevelInfo, format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write(LevelWarn, format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write(LevelError, format, v...)
}

// RunID returns the current run ID
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetRunID returns the current global run ID
func GetRunID() string {
	return getRunID()
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}
