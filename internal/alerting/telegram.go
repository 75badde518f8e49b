package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramChannel pushes alerts through the Telegram Bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	prefix   string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramChannel builds the channel. prefix tags every message, e.g. the app name.
func NewTelegramChannel(botToken, chatID, baseURL, prefix string, timeout time.Duration, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		prefix:   prefix,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (t *TelegramChannel) SendCritical(ctx context.Context, message string) error {
	return t.send(ctx, SeverityCritical, message)
}

func (t *TelegramChannel) SendWarning(ctx context.Context, message string) error {
	return t.send(ctx, SeverityWarning, message)
}

func (t *TelegramChannel) send(ctx context.Context, sev Severity, message string) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    t.render(sev, message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	t.logger.Info().Str("severity", string(sev)).Msg("alert sent (telegram)")
	return nil
}

func (t *TelegramChannel) render(sev Severity, message string) string {
	var b strings.Builder
	if t.prefix != "" {
		fmt.Fprintf(&b, "[%s] ", t.prefix)
	}
	fmt.Fprintf(&b, "%s\n%s", sev, message)
	return b.String()
}

var _ Channel = (*TelegramChannel)(nil)
