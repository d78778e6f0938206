package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
	"keyserver/internal/license"
)

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDispatcher sends through an authenticated SMTP relay. smtp.SendMail
// upgrades to STARTTLS when the server offers it.
type SMTPDispatcher struct {
	host    string
	port    int
	user    string
	pass    string
	from    string
	product string
	timeout time.Duration
	send    sendFunc
	logger  *slog.Logger
}

func NewSMTPDispatcher(cfg config.NotifyConfig, productName string, logger *slog.Logger) *SMTPDispatcher {
	return &SMTPDispatcher{
		host:    cfg.SMTPHost,
		port:    cfg.SMTPPort,
		user:    cfg.SMTPUser,
		pass:    cfg.SMTPPass,
		from:    cfg.SMTPUser,
		product: productName,
		timeout: cfg.Timeout,
		send:    smtp.SendMail,
		logger:  logger.With(slog.String("component", "smtp_dispatcher")),
	}
}

func (d *SMTPDispatcher) Provider() string { return config.NotifySMTP }

func (d *SMTPDispatcher) Configured() bool { return true }

// Deliver sends the message. smtp.SendMail has no context, so the call
// runs in a goroutine and Deliver stops waiting when ctx ends.
func (d *SMTPDispatcher) Deliver(ctx context.Context, delivery license.Delivery) error {
	msg, err := BuildMessage(d.product, d.from, delivery)
	if err != nil {
		return apperrors.NewDeliveryError("build message", err)
	}
	raw, err := encodeMIME(msg)
	if err != nil {
		return apperrors.NewDeliveryError("encode message", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(d.host, strconv.Itoa(d.port))
	auth := smtp.PlainAuth("", d.user, d.pass, d.host)

	done := make(chan error, 1)
	go func() {
		done <- d.send(addr, auth, d.from, []string{msg.To}, raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			return apperrors.NewDeliveryError("smtp send failed", err).WithContext("host", d.host)
		}
	case <-ctx.Done():
		return apperrors.NewDeliveryError("smtp send timed out", ctx.Err()).WithContext("host", d.host)
	}

	d.logger.InfoContext(ctx, "license email sent",
		slog.String("provider", config.NotifySMTP),
		slog.String("user_email_masked", license.MaskEmail(delivery.Email)),
		slog.String("license_key_masked", license.MaskLicenseKey(delivery.LicenseKey)))
	return nil
}

// encodeMIME renders msg as a multipart/alternative message.
func encodeMIME(msg *Message) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for _, part := range []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s <%s>\r\n", mime.QEncoding.Encode("UTF-8", msg.FromName), msg.From)
	fmt.Fprintf(&out, "To: %s\r\n", msg.To)
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&out, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
