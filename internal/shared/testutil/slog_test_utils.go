package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogRecord is one captured record. Attribute keys inside groups are
// qualified with the group path, as in "req.path".
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Attr returns the attribute value as a string, or "" when absent.
func (r LogRecord) Attr(key string) string {
	v, ok := r.Attrs[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return slog.AnyValue(v).String()
}

type logBuffer struct {
	mu      sync.Mutex
	records []LogRecord
}

// BufferedSlogHandler records everything logged through it. Handlers derived
// with WithAttrs or WithGroup append to the same buffer.
type BufferedSlogHandler struct {
	buf    *logBuffer
	attrs  map[string]any
	prefix string
	t      *testing.T
}

// NewBufferedSlogHandler returns a handler that also echoes records to t.Log
// when t is non-nil.
func NewBufferedSlogHandler(t *testing.T) *BufferedSlogHandler {
	return &BufferedSlogHandler{buf: &logBuffer{}, attrs: map[string]any{}, t: t}
}

// NewTestLogger returns a logger backed by a fresh BufferedSlogHandler.
func NewTestLogger(t *testing.T) (*slog.Logger, *BufferedSlogHandler) {
	handler := NewBufferedSlogHandler(t)
	return slog.New(handler), handler
}

func (h *BufferedSlogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *BufferedSlogHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})

	h.buf.mu.Lock()
	h.buf.records = append(h.buf.records, LogRecord{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs})
	h.buf.mu.Unlock()

	if h.t != nil {
		h.t.Logf("[%s] %s %v", r.Level, r.Message, attrs)
	}
	return nil
}

func (h *BufferedSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.derive(h.prefix)
	for _, a := range attrs {
		flatten(next.attrs, h.prefix, a)
	}
	return next
}

func (h *BufferedSlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(h.prefix + name + ".")
}

func (h *BufferedSlogHandler) derive(prefix string) *BufferedSlogHandler {
	attrs := make(map[string]any, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &BufferedSlogHandler{buf: h.buf, attrs: attrs, prefix: prefix, t: h.t}
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			flatten(dst, prefix+a.Key+".", ga)
		}
		return
	}
	dst[prefix+a.Key] = v.Any()
}

// GetRecords returns a copy of the captured records in logging order.
func (h *BufferedSlogHandler) GetRecords() []LogRecord {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	return append([]LogRecord(nil), h.buf.records...)
}

// GetRecordsByLevel returns the records logged at exactly level.
func (h *BufferedSlogHandler) GetRecordsByLevel(level slog.Level) []LogRecord {
	var out []LogRecord
	for _, r := range h.GetRecords() {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the first record whose message contains message.
func (h *BufferedSlogHandler) Find(message string) (LogRecord, bool) {
	for _, r := range h.GetRecords() {
		if strings.Contains(r.Message, message) {
			return r, true
		}
	}
	return LogRecord{}, false
}

func (h *BufferedSlogHandler) ContainsMessage(message string) bool {
	_, ok := h.Find(message)
	return ok
}

// ContainsAttr reports whether any record has key set to value.
func (h *BufferedSlogHandler) ContainsAttr(key string, value any) bool {
	for _, r := range h.GetRecords() {
		if v, ok := r.Attrs[key]; ok && v == value {
			return true
		}
	}
	return false
}

// ContainsText reports whether s appears in any message or string attribute.
// License tests use it to prove raw keys and emails are never logged.
func (h *BufferedSlogHandler) ContainsText(s string) bool {
	for _, r := range h.GetRecords() {
		if strings.Contains(r.Message, s) {
			return true
		}
		for _, v := range r.Attrs {
			if str, ok := v.(string); ok && strings.Contains(str, s) {
				return true
			}
		}
	}
	return false
}

func (h *BufferedSlogHandler) Clear() {
	h.buf.mu.Lock()
	h.buf.records = nil
	h.buf.mu.Unlock()
}

func (h *BufferedSlogHandler) Count() int {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	return len(h.buf.records)
}

// AssertLogContains fails t unless a record at level contains message.
func AssertLogContains(t *testing.T, handler *BufferedSlogHandler, level slog.Level, message string) {
	t.Helper()
	records := handler.GetRecordsByLevel(level)
	for _, r := range records {
		if strings.Contains(r.Message, message) {
			return
		}
	}
	t.Errorf("no %s record contains %q", level, message)
	for _, r := range records {
		t.Logf("  - %s", r.Message)
	}
}

// AssertLogAttr fails t unless some record has key set to expected.
func AssertLogAttr(t *testing.T, handler *BufferedSlogHandler, key string, expected any) {
	t.Helper()
	if handler.ContainsAttr(key, expected) {
		return
	}
	t.Errorf("no record has %s=%v", key, expected)
	for _, r := range handler.GetRecords() {
		t.Logf("  - %s: %v", r.Message, r.Attrs)
	}
}

// AssertNoErrors fails t for every error-level record.
func AssertNoErrors(t *testing.T, handler *BufferedSlogHandler) {
	t.Helper()
	for _, r := range handler.GetRecordsByLevel(slog.LevelError) {
		t.Errorf("unexpected error log: %s: %v", r.Message, r.Attrs)
	}
}
