package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// sanitizeHeader removes CR, LF and other control characters so a value cannot
// inject additional headers.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// message builds the raw MIME message Gmail expects.
func message(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return base64.URLEncoding.EncodeToString([]byte(msg.String()))
}

// Send sends an email via Gmail API. The From address is set by Gmail from the
// authenticated account.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	g.logger.Info("Gmail API request starting",
		"method", "POST",
		"endpoint", "users.messages.send",
		"to", to,
		"subject", subject)

	startTime := time.Now()
	_, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: message(to, subject, htmlBody),
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		g.logger.Warn("Gmail API send failed",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("gmail send: %w", err)
	}

	g.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.send",
		"to", to,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
