package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keyserver/internal/config"
)

func TestInitializeLogger(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()
	defer slog.SetDefault(slog.Default())

	logFile := filepath.Join(t.TempDir(), "test.log")
	cfg := config.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	}

	logger, err := InitializeLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to initialize logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Logger is nil")
	}

	logger.Info("test message", "key", "value")
	CloseLogFile()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(content, &logEntry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("Expected msg='test message', got %v", logEntry["msg"])
	}
	if logEntry["key"] != "value" {
		t.Errorf("Expected key='value', got %v", logEntry["key"])
	}
	if logEntry["level"] != "INFO" {
		t.Errorf("Expected level='INFO', got %v", logEntry["level"])
	}
	if _, ok := logEntry["source"]; !ok {
		t.Error("Expected source location in log entry")
	}
}

func TestInitializeLoggerOnce(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	dir := t.TempDir()
	first, err := InitializeLogger(config.LoggingConfig{Level: "info", Output: "file", FilePath: filepath.Join(dir, "a.log")})
	if err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	second, _ := InitializeLogger(config.LoggingConfig{Level: "debug", Output: "file", FilePath: filepath.Join(dir, "b.log")})
	if first != second {
		t.Error("expected the second call to return the first logger")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.log")); !os.IsNotExist(err) {
		t.Error("second call should not open a new log file")
	}
}

func TestTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	ctx := WithTraceID(context.Background(), "test-trace-123")
	logger.InfoContext(ctx, "test with trace")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}
	if logEntry["trace_id"] != "test-trace-123" {
		t.Errorf("Expected trace_id='test-trace-123', got %v", logEntry["trace_id"])
	}
	if strings.Count(buf.String(), `"trace_id"`) != 1 {
		t.Errorf("trace_id should appear exactly once: %s", buf.String())
	}
}

func TestTraceIDSurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info").With("component", "license").WithGroup("req")

	logger.InfoContext(WithTraceID(context.Background(), "abc"), "grouped", "path", "/x")
	if !strings.Contains(buf.String(), `"trace_id":"abc"`) {
		t.Errorf("expected trace_id in grouped output, got %s", buf.String())
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLogLevel(tt.level); got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("dropped")
	logger.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn message should be written")
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	if id == "" {
		t.Fatal("expected a generated trace ID")
	}
	if GetTraceID(EnsureTraceID(ctx)) != id {
		t.Error("EnsureTraceID must keep an existing trace ID")
	}
	if GetTraceID(context.Background()) != "" {
		t.Error("empty context should have no trace ID")
	}
}

func TestSecretsRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")
	logger.Info("connecting", "dsn", "postgres://u:secret@db/keys", "api_key", "SG.abc", "host", "db")

	out := buf.String()
	if strings.Contains(out, "secret@db") || strings.Contains(out, "SG.abc") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, `"dsn":"[REDACTED]"`) || !strings.Contains(out, `"host":"db"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConsoleLoggerIsText(t *testing.T) {
	var buf bytes.Buffer
	NewConsoleLogger(&buf, "info").InfoContext(WithTraceID(context.Background(), "t-1"), "hello", "k", "v")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Fatalf("expected text output, got %s", out)
	}
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "trace_id=t-1") {
		t.Errorf("unexpected output: %s", out)
	}
}
