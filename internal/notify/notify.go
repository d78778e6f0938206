package notify

import (
	"fmt"
	"log/slog"

	"keyserver/internal/config"
	"keyserver/internal/license"
)

// Dispatcher is a license.Dispatcher that can describe itself.
type Dispatcher interface {
	license.Dispatcher

	// Provider names the backend: sendgrid, smtp or log.
	Provider() string
	// Configured is false for the log-only dispatcher.
	Configured() bool
}

// New builds the dispatcher selected by cfg.
func New(cfg config.NotifyConfig, productName string, logger *slog.Logger) (Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if productName == "" {
		productName = config.ProductName
	}

	switch provider := cfg.ResolveProvider(); provider {
	case config.NotifySendGrid:
		return NewSendGridDispatcher(cfg, productName, logger), nil
	case config.NotifySMTP:
		return NewSMTPDispatcher(cfg, productName, logger), nil
	case config.NotifyLog:
		return NewLogDispatcher(logger), nil
	default:
		return nil, fmt.Errorf("unknown notify provider %q", provider)
	}
}

// senderAddress is the From address. SendGrid may use its own verified
// sender; otherwise the mailbox user sends.
func senderAddress(cfg config.NotifyConfig) string {
	if cfg.SendGridFrom != "" {
		return cfg.SendGridFrom
	}
	return cfg.SMTPUser
}
