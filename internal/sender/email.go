package sender

import (
	"context"
	"errors"
	"fmt"

	"glorianotify/internal/breaker"
	"glorianotify/internal/config"
	"glorianotify/internal/kit"
	logx "glorianotify/pkg/logx"
)

// EmailSender delivers email through an optional primary provider with a
// direct SMTP fallback, guarded by the email-service circuit.
//
// Send never returns an error: delivery failures are absorbed into the
// fallback queue so the calling business operation can't be failed by a
// notification.
type EmailSender struct {
	log      logx.Logger
	breaker  *breaker.Registry
	fallback FallbackSink

	provider Provider // may be nil
	direct   Provider

	configured bool
}

func NewEmailSender(cfg config.EmailConfig, br *breaker.Registry, fb FallbackSink, log logx.Logger) *EmailSender {
	s := &EmailSender{log: log, breaker: br, fallback: fb}

	p, err := NewProvider(cfg.Provider, cfg)
	if err != nil {
		log.Warn("email provider unavailable", logx.String("provider", cfg.Provider), logx.Err(err))
	} else if p != nil {
		if verr := p.ValidateConfiguration(); verr != nil {
			log.Warn("email provider misconfigured", logx.String("provider", p.Name()), logx.Err(verr))
		} else {
			s.provider = p
		}
	}

	direct := &smtpProvider{cfg: cfg}
	if verr := direct.ValidateConfiguration(); verr == nil {
		s.direct = direct
	} else if s.provider == nil {
		log.Warn("email sender not configured", logx.Err(verr))
	}

	s.configured = s.provider != nil || s.direct != nil
	return s
}

// Configured reports whether any email transport passed its configuration check.
func (s *EmailSender) Configured() bool { return s.configured }

// Send reports whether the message was accepted for delivery.
//
// Invalid recipient addresses return false immediately without touching the
// transport or the fallback queue (permanent recipient error). All other
// failures, including the circuit rejecting the call, land in the fallback
// queue with a descriptive reason.
func (s *EmailSender) Send(ctx context.Context, p kit.EmailPayload) bool {
	p.To = sanitizeAddress(p.To)
	if p.To == "" {
		s.log.Warn("email dropped: invalid recipient address")
		return false
	}
	p.Subject = sanitizeHeader(p.Subject)
	p.HTML = sanitizeHTML(p.HTML)
	p.Text = sanitizeText(p.Text)

	if !s.configured {
		s.fallback.StoreFailedEmail(p, reasonNotConfigured)
		return false
	}

	err := s.breaker.Execute(ctx, ServiceEmail, func(ctx context.Context) error {
		return s.deliver(ctx, p)
	})
	if err == nil {
		s.log.Debug("email accepted", logx.String("to", p.To))
		return true
	}

	if IsPermanent(err) {
		// Retrying can't fix a rejected recipient.
		s.log.Warn("email permanently rejected", logx.String("to", p.To), logx.Err(err))
		return false
	}

	s.log.Debug("email send failed; queued for retry", logx.String("to", p.To), logx.Err(err))
	s.fallback.StoreFailedEmail(p, err.Error())
	return false
}

// Retry re-attempts delivery for the fallback queue. Unlike Send it returns
// the delivery error and never re-enqueues.
func (s *EmailSender) Retry(ctx context.Context, p kit.EmailPayload) error {
	if !s.configured {
		return errors.New(reasonNotConfigured)
	}
	return s.breaker.Execute(ctx, ServiceEmail, func(ctx context.Context) error {
		return s.deliver(ctx, p)
	})
}

// deliver tries the primary provider first, then the direct SMTP transport.
func (s *EmailSender) deliver(ctx context.Context, p kit.EmailPayload) error {
	var lastErr error
	if s.provider != nil {
		lastErr = s.provider.Send(ctx, p)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		s.log.Debug("primary email provider failed",
			logx.String("provider", s.provider.Name()), logx.Err(lastErr))
	}
	if s.direct != nil && s.direct != s.provider {
		err := s.direct.Send(ctx, p)
		if err == nil {
			return nil
		}
		if lastErr != nil {
			return fmt.Errorf("provider: %w; smtp: %v", lastErr, err)
		}
		return err
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.New("no email transport available")
}
