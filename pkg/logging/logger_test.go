package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// setupTestDir creates a temporary directory for test logs and resets global state
func setupTestDir(t *testing.T) (cleanup func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calcharvest-logging-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	origLogDir := logDir
	origInitErr := initErr
	origRunID := runID
	origLevel := defaultLevel
	origMirror := defaultMirror

	logDir = tempDir
	initErr = nil
	initOnce = sync.Once{}
	runID = ""
	runIDOnce = sync.Once{}
	defaultLevel = LevelDebug
	defaultMirror = nil

	return func() {
		logDir = origLogDir
		initErr = origInitErr
		initOnce = sync.Once{}
		runID = origRunID
		runIDOnce = sync.Once{}
		defaultLevel = origLevel
		defaultMirror = origMirror

		os.RemoveAll(tempDir)
	}
}

func TestNewLogger(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test-component")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.component != "test-component" {
		t.Errorf("Expected component 'test-component', got %q", logger.component)
	}
	if logger.runID == "" {
		t.Error("Expected non-empty run ID")
	}
	if _, err := os.Stat(logger.logPath); os.IsNotExist(err) {
		t.Errorf("Log file does not exist at %s", logger.logPath)
	}
}

func TestLoggerFormatting(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Debugf("Debug message %d", 1)
	logger.Infof("Info message")
	logger.Warnf("Warning message")
	logger.Errorf("Error message")

	content, err := os.ReadFile(logger.logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	logContent := string(content)

	expectedPatterns := []string{
		"[test] [DEBUG] Debug message 1",
		"[test] [INFO] Info message",
		"[test] [WARN] Warning message",
		"[test] [ERROR] Error message",
	}
	for _, pattern := range expectedPatterns {
		if !strings.Contains(logContent, pattern) {
			t.Errorf("Log content missing expected pattern: %q\nContent:\n%s", pattern, logContent)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("filter", &buf)
	logger.SetLevel(LevelWarn)

	logger.Debugf("hidden debug")
	logger.Infof("hidden info")
	logger.Warnf("shown warn")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be filtered, got:\n%s", out)
	}
	if !strings.Contains(out, "[filter] [WARN] shown warn") {
		t.Errorf("expected warn line, got:\n%s", out)
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	tests := []struct {
		verbosity string
		want      Level
	}{
		{"quiet", LevelWarn},
		{"normal", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelDebug},
		{"DEBUG", LevelDebug},
	}
	for _, tt := range tests {
		if got := LevelFromVerbosity(tt.verbosity); got != tt.want {
			t.Errorf("LevelFromVerbosity(%q) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
}

func TestWithSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter("harvest", &buf)
	parent.SetLevel(LevelDebug)
	child := parent.With("worker-2")

	child.Infof("processing %s", "Albania")

	if !strings.Contains(buf.String(), "[harvest/worker-2] [INFO] processing Albania") {
		t.Errorf("unexpected child output: %q", buf.String())
	}
}

func TestMirrorWriter(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	var console bytes.Buffer
	defaultMirror = &console

	logger, err := NewLogger("mirror")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Infof("checkpoint written")

	if !strings.Contains(console.String(), "[mirror] [INFO] checkpoint written") {
		t.Errorf("expected mirrored line, got %q", console.String())
	}
}

func TestMultipleComponents(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger1, err := NewLogger("component1")
	if err != nil {
		t.Fatalf("Failed to create logger1: %v", err)
	}
	defer logger1.Close()

	logger2, err := NewLogger("component2")
	if err != nil {
		t.Fatalf("Failed to create logger2: %v", err)
	}
	defer logger2.Close()

	if logger1.runID != logger2.runID {
		t.Errorf("Expected same run ID, got %q and %q", logger1.runID, logger2.runID)
	}
	if logger1.logPath != logger2.logPath {
		t.Errorf("Expected same log path, got %q and %q", logger1.logPath, logger2.logPath)
	}

	logger1.Infof("Message from component1")
	logger2.Infof("Message from component2")

	content, err := os.ReadFile(logger1.logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	logContent := string(content)
	if !strings.Contains(logContent, "[component1]") {
		t.Error("Log missing component1 entries")
	}
	if !strings.Contains(logContent, "[component2]") {
		t.Error("Log missing component2 entries")
	}
}

func TestGetRunID(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	id1 := GetRunID()
	id2 := GetRunID()
	if id1 != id2 {
		t.Errorf("Expected consistent run ID, got %q and %q", id1, id2)
	}
	if id1 == "" {
		t.Error("Expected non-empty run ID")
	}
}

func TestLoggerClose(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestLogPathFormat(t *testing.T) {
	cleanup := setupTestDir(t)
	defer cleanup()

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	fileName := filepath.Base(logger.logPath)
	if !strings.HasSuffix(fileName, "-calcharvest.log") {
		t.Errorf("Expected log file to end with '-calcharvest.log', got %q", fileName)
	}
	runPart := strings.TrimSuffix(fileName, "-calcharvest.log")
	if !strings.Contains(runPart, "-") {
		t.Errorf("Expected run ID part to contain dashes (UUID format), got %q", runPart)
	}
}
