package notify

import (
	"context"
	"log/slog"

	"keyserver/internal/config"
	"keyserver/internal/license"
)

// LogDispatcher records deliveries without sending. It is used when no
// email provider is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With(slog.String("component", "log_dispatcher"))}
}

func (d *LogDispatcher) Provider() string { return config.NotifyLog }

func (d *LogDispatcher) Configured() bool { return false }

func (d *LogDispatcher) Deliver(ctx context.Context, delivery license.Delivery) error {
	d.logger.WarnContext(ctx, "email not configured, license key not sent",
		slog.String("user_email_masked", license.MaskEmail(delivery.Email)),
		slog.String("license_key_masked", license.MaskLicenseKey(delivery.LicenseKey)),
		slog.String("user_id", delivery.UserID))
	return nil
}
