package sender

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"glorianotify/internal/breaker"
	"glorianotify/internal/config"
	"glorianotify/internal/kit"
	logx "glorianotify/pkg/logx"
)

// smsAPI is the slice of the Twilio client we use; a test fake implements it.
type smsAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSSender delivers SMS through Twilio, guarded by the sms-service circuit.
type SMSSender struct {
	log      logx.Logger
	breaker  *breaker.Registry
	fallback FallbackSink

	api  smsAPI
	from string

	configured bool
}

func NewSMSSender(cfg config.SMSConfig, br *breaker.Registry, fb FallbackSink, log logx.Logger) *SMSSender {
	s := &SMSSender{log: log, breaker: br, fallback: fb, from: cfg.From}
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" || strings.TrimSpace(cfg.From) == "" {
		log.Warn("sms sender not configured: twilio credentials missing")
		return s
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	s.api = client.Api
	s.configured = true
	return s
}

// Configured reports whether Twilio credentials were supplied.
func (s *SMSSender) Configured() bool { return s.configured }

// Send reports whether the message was accepted for delivery. Failures are
// absorbed into the fallback queue; missing recipient numbers return false
// immediately.
func (s *SMSSender) Send(ctx context.Context, p kit.SMSPayload) bool {
	p.To = strings.TrimSpace(p.To)
	if p.To == "" {
		s.log.Warn("sms dropped: empty recipient number")
		return false
	}
	p.Body = sanitizeText(p.Body)

	if !s.configured {
		s.fallback.StoreFailedSMS(p, reasonNotConfigured)
		return false
	}

	err := s.breaker.Execute(ctx, ServiceSMS, func(ctx context.Context) error {
		return s.deliver(ctx, p)
	})
	if err == nil {
		s.log.Debug("sms accepted", logx.String("to", p.To))
		return true
	}

	s.log.Debug("sms send failed; queued for retry", logx.String("to", p.To), logx.Err(err))
	s.fallback.StoreFailedSMS(p, err.Error())
	return false
}

func (s *SMSSender) deliver(ctx context.Context, p kit.SMSPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(p.To)
	params.SetFrom(s.from)
	params.SetBody(p.Body)
	_, err := s.api.CreateMessage(params)
	return err
}

// Retry re-attempts delivery for the fallback queue without enqueueing again.
func (s *SMSSender) Retry(ctx context.Context, p kit.SMSPayload) error {
	if !s.configured {
		return errors.New(reasonNotConfigured)
	}
	return s.breaker.Execute(ctx, ServiceSMS, func(ctx context.Context) error {
		return s.deliver(ctx, p)
	})
}
