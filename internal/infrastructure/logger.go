package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"keyserver/internal/config"
)

var (
	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once

	// open log file, closed by CloseLogFile
	logFile   *os.File
	logFileMu sync.Mutex
)

type contextKey string

// TraceIDContextKey is the context key holding the request trace ID.
const TraceIDContextKey contextKey = "trace_id"

// redacted is written in place of attribute values that carry credentials.
const redacted = "[REDACTED]"

// secretKeys are attribute names whose values never reach a log sink.
var secretKeys = map[string]struct{}{
	"password":      {},
	"smtp_pass":     {},
	"api_key":       {},
	"authorization": {},
	"dsn":           {},
	"uri":           {},
}

// InitializeLogger builds the process logger from cfg and installs it as the
// slog default. Only the first call has any effect.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var err error
	globalLoggerOnce.Do(func() {
		var out io.Writer
		out, err = logOutput(cfg)
		if err != nil {
			return
		}
		globalLogger = slog.New(newHandler(out, cfg.Format, cfg.Level, true))
		slog.SetDefault(globalLogger)
	})
	return globalLogger, err
}

// NewLogger builds a JSON logger writing to w that injects trace_id from
// context. Tests use it to avoid the global instance.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(newHandler(w, "json", level, false))
}

// NewConsoleLogger builds a text logger for command line tools.
func NewConsoleLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(newHandler(w, "text", level, false))
}

func newHandler(w io.Writer, format, level string, addSource bool) slog.Handler {
	opts := &slog.HandlerOptions{
		AddSource:   addSource,
		Level:       parseLogLevel(level),
		ReplaceAttr: redactSecrets,
	}
	if strings.EqualFold(format, "text") {
		return &traceHandler{Handler: slog.NewTextHandler(w, opts)}
	}
	return &traceHandler{Handler: slog.NewJSONHandler(w, opts)}
}

func logOutput(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "file", "both":
		file, err := openLogFile(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logFileMu.Lock()
		logFile = file
		logFileMu.Unlock()
		if strings.EqualFold(cfg.Output, "both") {
			return io.MultiWriter(os.Stdout, file), nil
		}
		return file, nil
	default:
		return os.Stdout, nil
	}
}

func redactSecrets(groups []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}
	return a
}

// traceHandler adds the context's trace_id to every record.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if traceID := GetTraceID(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(TraceIDContextKey).(string)
	return traceID
}

// GenerateTraceID returns a random UUID v4.
func GenerateTraceID() string {
	return uuid.New().String()
}

// EnsureTraceID returns ctx with a trace ID, minting one if it has none.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		return WithTraceID(ctx, GenerateTraceID())
	}
	return ctx
}

// CloseLogFile closes the log file opened by InitializeLogger, if any.
func CloseLogFile() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ResetLoggerForTesting resets the global logger state.
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	globalLogger = nil
	globalLoggerOnce = sync.Once{}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
