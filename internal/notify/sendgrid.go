package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
	"keyserver/internal/license"
)

const sendGridPath = "/v3/mail/send"

// SendGridDispatcher sends through the SendGrid v3 mail API.
type SendGridDispatcher struct {
	apiKey  string
	from    string
	product string
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

func NewSendGridDispatcher(cfg config.NotifyConfig, productName string, logger *slog.Logger) *SendGridDispatcher {
	return &SendGridDispatcher{
		apiKey:  cfg.SendGridAPIKey,
		from:    senderAddress(cfg),
		product: productName,
		baseURL: "https://api.sendgrid.com",
		timeout: cfg.Timeout,
		logger:  logger.With(slog.String("component", "sendgrid_dispatcher")),
	}
}

// WithBaseURL points the dispatcher at another API host.
func (d *SendGridDispatcher) WithBaseURL(url string) *SendGridDispatcher {
	d.baseURL = url
	return d
}

func (d *SendGridDispatcher) Provider() string { return config.NotifySendGrid }

func (d *SendGridDispatcher) Configured() bool { return true }

func (d *SendGridDispatcher) Deliver(ctx context.Context, delivery license.Delivery) error {
	msg, err := BuildMessage(d.product, d.from, delivery)
	if err != nil {
		return apperrors.NewDeliveryError("build message", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	email := mail.NewSingleEmail(
		mail.NewEmail(msg.FromName, msg.From),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Text,
		msg.HTML,
	)

	client := sendgrid.NewSendClient(d.apiKey)
	client.Request.BaseURL = d.baseURL + sendGridPath

	start := time.Now()
	resp, err := client.SendWithContext(ctx, email)
	if err != nil {
		return apperrors.NewDeliveryError("sendgrid request failed", err)
	}
	if resp.StatusCode >= 300 {
		return apperrors.NewDeliveryError("sendgrid rejected message",
			fmt.Errorf("status %d: %s", resp.StatusCode, resp.Body)).
			WithContext("status_code", resp.StatusCode)
	}

	d.logger.InfoContext(ctx, "license email sent",
		slog.String("provider", config.NotifySendGrid),
		slog.String("user_email_masked", license.MaskEmail(delivery.Email)),
		slog.String("license_key_masked", license.MaskLicenseKey(delivery.LicenseKey)),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return nil
}
