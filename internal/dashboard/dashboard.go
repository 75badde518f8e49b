// Package dashboard pushes the runtime status to an external dashboard
// endpoint.
package dashboard

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

	"github.com/rs/zerolog"

	"tradecore/internal/health"
	"tradecore/internal/safety"
)

// ErrNotConfigured is returned when no endpoint is set.
var ErrNotConfigured = errors.New("dashboard endpoint not configured")

// Update is the document posted on every publish.
type Update struct {
	Timestamp   time.Time            `json:"timestamp"`
	App         string               `json:"app"`
	Broker      string               `json:"broker,omitempty"`
	Mode        string               `json:"mode,omitempty"`
	Safety      safety.LayerSnapshot `json:"safety"`
	Health      []health.Result      `json:"health,omitempty"`
	LastCycleMS int64                `json:"last_cycle_ms,omitempty"`
	Flags       map[string]bool      `json:"flags,omitempty"`
}

// Publisher posts updates as JSON. A 2xx response is success; the body is ignored.
type Publisher struct {
	endpoint string
	token    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewPublisher builds a publisher. token, when set, goes in a bearer header.
func NewPublisher(endpoint, token string, timeout time.Duration, logger zerolog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		endpoint: strings.TrimSpace(endpoint),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "dashboard").Logger(),
	}
}

// Enabled reports whether an endpoint is configured.
func (p *Publisher) Enabled() bool { return p.endpoint != "" }

// Publish posts one update.
func (p *Publisher) Publish(ctx context.Context, u Update) error {
	if !p.Enabled() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal dashboard update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create dashboard request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send dashboard update: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dashboard status %d", resp.StatusCode)
	}
	p.logger.Debug().Str("state", string(u.Safety.State)).Msg("dashboard updated")
	return nil
}
