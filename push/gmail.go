package push

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"

	"cveflows/pkg/vuln"
)

// GmailProvider delivers notifications as HTML email via the Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	to      string
}

// NewGmailProvider creates a new Gmail push provider. to is the recipient
// address for every alert.
func NewGmailProvider(service *gmail.Service, to string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
		to:      to,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// RFC 5322 headers are newline-delimited, so any newline in a header value allows an
// attacker to inject arbitrary headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// escapeHTML escapes HTML special characters for security.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// Push delivers one message as an email.
func (g *GmailProvider) Push(ctx context.Context, msg *vuln.Message) error {
	to := sanitizeEmailHeader(g.to)
	subject := sanitizeEmailHeader(msg.Title)
	htmlBody := formatEmailBody(msg)

	// From address is set by the Gmail API based on the authenticated account.
	var mime strings.Builder
	mime.WriteString("MIME-Version: 1.0\r\n")
	mime.WriteString(fmt.Sprintf("To: %s\r\n", to))
	mime.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	mime.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	mime.WriteString(htmlBody)
	encoded := base64.URLEncoding.EncodeToString([]byte(mime.String()))

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to,
				"subject", subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "error", err)
		}),
	)
}

func formatEmailBody(msg *vuln.Message) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; white-space: pre-wrap; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #c0392b; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(msg.Title)))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(escapeHTML(msg.Body))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">View vulnerability details</a>\n", escapeHTML(msg.Link)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}
