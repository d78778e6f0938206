package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keyserver/internal/infrastructure"
)

// logAction logs a lifecycle action with the span's trace ID for correlation
func (s *Service) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	allAttrs := []slog.Attr{
		slog.String("component", "license_service"),
		slog.String("action", action),
		slog.String("result", result),
	}
	if otelTraceID := infrastructure.TraceIDFromContext(ctx); otelTraceID != "" {
		allAttrs = append(allAttrs, slog.String("otel_trace_id", otelTraceID))
	}
	allAttrs = append(allAttrs, attrs...)

	s.logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logLicenseAction logs an action that involves a key and an owner. The raw
// key and address never reach the log.
func (s *Service) logLicenseAction(ctx context.Context, level slog.Level, action, result, licenseKey, email string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.result", result),
			attribute.String("license.key_masked", MaskLicenseKey(licenseKey)),
		)
	}

	licenseAttrs := []slog.Attr{
		slog.String("license_key_masked", MaskLicenseKey(licenseKey)),
		slog.String("license_key_hash", HashLicenseKey(licenseKey)),
		slog.String("user_email_masked", MaskEmail(email)),
	}
	licenseAttrs = append(licenseAttrs, attrs...)

	s.logAction(ctx, level, action, result, licenseAttrs...)
}

// MaskLicenseKey keeps the first and last four characters.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskEmail masks the mailbox and keeps the domain for analytics.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIndex := strings.Index(email, "@")
	if atIndex == -1 {
		return "****"
	}

	username := email[:atIndex]
	domain := email[atIndex:]
	if len(username) <= 2 {
		return "**" + domain
	}
	return username[:1] + "****" + username[len(username)-1:] + domain
}

// HashLicenseKey returns a short SHA-256 prefix for audit correlation.
func HashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}
