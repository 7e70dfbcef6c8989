package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// setupTestDir points the package at a temporary log directory and resets global state.
func setupTestDir(t *testing.T) {
	t.Helper()

	origLogDir := logDir
	origRunID := runID
	origLevel := minLevel.Load()

	logDir = t.TempDir()
	initErr = nil
	initOnce = sync.Once{}
	runID = ""
	runIDOnce = sync.Once{}
	minLevel.Store(int32(LevelDebug))

	t.Cleanup(func() {
		logDir = origLogDir
		initErr = nil
		initOnce = sync.Once{}
		runID = origRunID
		runIDOnce = sync.Once{}
		minLevel.Store(origLevel)
	})
}

func TestNew(t *testing.T) {
	setupTestDir(t)

	logger, err := New("test-component")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.component != "test-component" {
		t.Errorf("Expected component 'test-component', got %q", logger.component)
	}
	if logger.RunID() == "" {
		t.Error("Expected non-empty run ID")
	}
	if _, err := os.Stat(logger.LogPath()); os.IsNotExist(err) {
		t.Errorf("Log file does not exist at %s", logger.LogPath())
	}

	fileName := filepath.Base(logger.LogPath())
	if !strings.HasSuffix(fileName, "-charsnap.log") {
		t.Errorf("Expected log file to end with '-charsnap.log', got %q", fileName)
	}
}

func TestLoggerFormatting(t *testing.T) {
	setupTestDir(t)

	logger, err := New("test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Debugf("Debug message")
	logger.Infof("Info message %d", 123)
	logger.Warnf("Warning message")
	logger.Errorf("Error message")
	logger.With("sub").Infof("Nested message")

	content, err := os.ReadFile(logger.LogPath())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	logContent := string(content)

	for _, pattern := range []string{
		"[test] [DEBUG] Debug message",
		"[test] [INFO] Info message 123",
		"[test] [WARN] Warning message",
		"[test] [ERROR] Error message",
		"[test.sub] [INFO] Nested message",
	} {
		if !strings.Contains(logContent, pattern) {
			t.Errorf("Log content missing expected pattern: %q\nContent:\n%s", pattern, logContent)
		}
	}
}

func TestMultipleComponentsShareFile(t *testing.T) {
	setupTestDir(t)

	logger1, err := New("component1")
	if err != nil {
		t.Fatalf("Failed to create logger1: %v", err)
	}
	defer logger1.Close()

	logger2, err := New("component2")
	if err != nil {
		t.Fatalf("Failed to create logger2: %v", err)
	}
	defer logger2.Close()

	if logger1.RunID() != logger2.RunID() {
		t.Errorf("Expected same run ID, got %q and %q", logger1.RunID(), logger2.RunID())
	}
	if logger1.LogPath() != logger2.LogPath() {
		t.Errorf("Expected same log path, got %q and %q", logger1.LogPath(), logger2.LogPath())
	}
}

func TestVerbosityFilter(t *testing.T) {
	setupTestDir(t)

	var buf bytes.Buffer
	logger := NewWithWriter("filter", &buf)

	if err := Configure("", "quiet"); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	logger.Infof("hidden")
	logger.Warnf("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info entry should be filtered in quiet mode: %s", out)
	}
	if !strings.Contains(out, "[filter] [WARN] shown") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestParseVerbosity(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"normal", LevelInfo, false},
		{"quiet", LevelWarn, false},
		{"Verbose", LevelDebug, false},
		{"debug", LevelDebug, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerbosity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVerbosity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseVerbosity(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerClose(t *testing.T) {
	setupTestDir(t)

	logger, err := New("test")
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
