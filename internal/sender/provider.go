package sender

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"glorianotify/internal/config"
	"glorianotify/internal/kit"
)

// Provider is a pluggable email delivery backend.
//
// The email sender tries its configured primary provider first and falls
// back to the direct SMTP transport when the provider is absent or fails.
type Provider interface {
	Name() string
	// ValidateConfiguration is a cheap static check (no network).
	ValidateConfiguration() error
	Send(ctx context.Context, p kit.EmailPayload) error
}

// NewProvider builds a provider by configured name. An empty name means
// "no primary provider" (nil, nil); unknown names are configuration errors.
func NewProvider(name string, cfg config.EmailConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return nil, nil
	case "smtp":
		return &smtpProvider{cfg: cfg}, nil
	case "relay":
		return newRelayProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", name)
	}
}

type smtpProvider struct {
	cfg config.EmailConfig

	// sendMail is a test seam over smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (p *smtpProvider) Name() string { return "smtp" }

func (p *smtpProvider) ValidateConfiguration() error {
	if strings.TrimSpace(p.cfg.SMTP.Host) == "" {
		return errors.New("smtp host is required")
	}
	if p.cfg.SMTP.Port <= 0 || p.cfg.SMTP.Port > 65535 {
		return errors.New("smtp port is out of range")
	}
	if sanitizeAddress(p.cfg.From) == "" {
		return errors.New("email from address is invalid")
	}
	return nil
}

func (p *smtpProvider) Send(ctx context.Context, m kit.EmailPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.SMTP.Host, p.cfg.SMTP.Port)
	var auth smtp.Auth
	if p.cfg.SMTP.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.SMTP.Username, p.cfg.SMTP.Password, p.cfg.SMTP.Host)
	}

	msg := buildMessage(p.cfg.From, m)

	send := p.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	return send(addr, auth, p.cfg.From, []string{m.To}, msg)
}

// buildMessage assembles a minimal RFC 5322 message. HTML wins over text
// when both are present; the HR templates always provide HTML.
func buildMessage(from string, m kit.EmailPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	if m.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(m.HTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(m.Text)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
