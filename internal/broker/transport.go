package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

// Transport performs rate-limited JSON calls against one broker.
type Transport struct {
	BrokerID string
	BaseURL  string
	Client   *http.Client
	Limiter  *rate.Limiter
}

// NewTransport builds a transport. ratePerSec <= 0 disables throttling.
func NewTransport(brokerID, baseURL string, timeout time.Duration, ratePerSec float64) *Transport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return &Transport{
		BrokerID: brokerID,
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: timeout},
		Limiter:  limiter,
	}
}

// Call sends body (nil for none) and decodes a JSON object response. Non-2xx
// statuses come back as *Error with the decoded payload still returned.
func (t *Transport) Call(ctx context.Context, method, path string, headers map[string]string, body any) (map[string]any, error) {
	if err := t.Limiter.Wait(ctx); err != nil {
		return nil, &Error{BrokerID: t.BrokerID, Timeout: IsTimeout(err), Message: "rate limiter", Err: err}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", t.BrokerID, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", t.BrokerID, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, &Error{BrokerID: t.BrokerID, Timeout: IsTimeout(err), Message: "transport", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{BrokerID: t.BrokerID, HTTPStatus: resp.StatusCode, Timeout: IsTimeout(err), Message: "read body", Err: err}
	}
	payload := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil && resp.StatusCode/100 == 2 {
			return nil, &Error{BrokerID: t.BrokerID, HTTPStatus: resp.StatusCode, Message: "decode body", Err: err}
		}
	}
	if resp.StatusCode/100 != 2 {
		return payload, &Error{
			BrokerID:   t.BrokerID,
			HTTPStatus: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Err:        errors.New(string(bytes.TrimSpace(raw))),
		}
	}
	return payload, nil
}
