package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"keyserver/internal/license"
)

// Message is a rendered license email.
type Message struct {
	FromName string
	From     string
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string
}

var htmlBody = template.Must(template.New("license").Parse(`<h2 style="color: #2563eb;">{{.Product}} Security - License Key</h2>
<p>Hello {{.Name}},</p>
<p>Your User ID <strong>{{.UserID}}</strong> has been validated. Thank you for choosing {{.Product}} Security!</p>
<div style="background: #f1f5f9; padding: 16px; border-radius: 8px; margin: 16px 0;">
  <p><strong>Your License Key:</strong></p>
  <p style="font-size: 24px; font-weight: bold; text-align: center;">{{.LicenseKey}}</p>
</div>
<p>This key is tied to your email and machine.</p>
`))

type bodyData struct {
	Product    string
	Name       string
	UserID     string
	LicenseKey string
}

// BuildMessage renders the license email for d.
func BuildMessage(product, from string, d license.Delivery) (*Message, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = "there"
	}
	data := bodyData{Product: product, Name: name, UserID: d.UserID, LicenseKey: d.LicenseKey}

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render license email: %w", err)
	}

	text := fmt.Sprintf("Hello %s,\n\nYour User ID %s has been validated.\n\nYour %s license key: %s\n\nThis key is tied to your email and machine.\n",
		name, d.UserID, product, d.LicenseKey)

	return &Message{
		FromName: product + " Security",
		From:     from,
		To:       d.Email,
		ToName:   strings.TrimSpace(d.Name),
		Subject:  fmt.Sprintf("Your %s License Key", product),
		HTML:     html.String(),
		Text:     text,
	}, nil
}
