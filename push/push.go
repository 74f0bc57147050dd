// Package push delivers vulnerability notifications via pluggable providers.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cveflows/pkg/vuln"
)

// Provider defines the interface for push delivery implementations.
type Provider interface {
	// Push delivers a single notification message.
	Push(ctx context.Context, msg *vuln.Message) error
}

// Sender formats vulnerability records into messages and delivers them
// through a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Notify formats one record and delivers it. description is the (possibly
// translated) text to use in place of the record's own description.
func (s *Sender) Notify(ctx context.Context, v *vuln.Vulnerability, description string) error {
	msg := Format(v, description)

	s.logger.Info("Sending push notification",
		"id", v.ID,
		"score", v.Score,
		"title", msg.Title)

	return s.provider.Push(ctx, msg)
}

// Format builds the notification message for a record. The body is markdown,
// matching what ServerChan renders natively.
func Format(v *vuln.Vulnerability, description string) *vuln.Message {
	if description == "" {
		description = v.Description
	}

	var b strings.Builder
	b.WriteString("## Vulnerability details\n")
	b.WriteString(fmt.Sprintf("**CVE ID**: %s  \n", v.ID))
	b.WriteString(fmt.Sprintf("**Published**: %s  \n", v.Published.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("**CVSS score**: %.1f  \n", v.Score))
	b.WriteString(fmt.Sprintf("**Attack vector**: %s  \n", v.Vector))
	b.WriteString("\n## Description\n")
	b.WriteString(description)
	b.WriteString("\n\n## References\n")
	for _, ref := range v.References {
		b.WriteString(ref)
		b.WriteString("\n")
	}
	b.WriteString("\n## Source\n")
	b.WriteString(v.Source)
	b.WriteString("\n")

	link := fmt.Sprintf("https://nvd.nist.gov/vuln/detail/%s", v.ID)
	if len(v.References) > 0 {
		link = v.References[0]
	}

	return &vuln.Message{
		Title: fmt.Sprintf("High severity vulnerability: %s (%.1f)", v.ID, v.Score),
		Body:  b.String(),
		Link:  link,
	}
}
