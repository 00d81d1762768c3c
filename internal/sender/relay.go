package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"glorianotify/internal/config"
	"glorianotify/internal/kit"
)

// relayProvider posts mail to the platform's internal HTTP mail relay.
type relayProvider struct {
	cfg    config.EmailConfig
	client *http.Client
}

func newRelayProvider(cfg config.EmailConfig) *relayProvider {
	return &relayProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *relayProvider) Name() string { return "relay" }

func (p *relayProvider) ValidateConfiguration() error {
	u := strings.TrimSpace(p.cfg.Relay.URL)
	if u == "" {
		return errors.New("relay url is required")
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return errors.New("relay url must be http(s)")
	}
	return nil
}

func (p *relayProvider) Send(ctx context.Context, m kit.EmailPayload) error {
	body, err := json.Marshal(struct {
		From string `json:"from"`
		kit.EmailPayload
	}{From: p.cfg.From, EmailPayload: m})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Relay.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Relay.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Relay.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// Rejected payload won't get better on retry.
		return Permanent(fmt.Errorf("relay rejected message: %s", resp.Status))
	default:
		return fmt.Errorf("relay returned %s", resp.Status)
	}
}
