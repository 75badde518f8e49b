package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memChannel struct {
	mu       sync.Mutex
	critical []string
	warning  []string
	err      error
}

func (m *memChannel) SendCritical(_ context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.critical = append(m.critical, msg)
	return m.err
}

func (m *memChannel) SendWarning(_ context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warning = append(m.warning, msg)
	return m.err
}

func TestTelegramChannelSuccess(t *testing.T) {
	received := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	ch := NewTelegramChannel("token", "chat", srv.URL, "tradecore", time.Second, zerolog.Nop())
	require.NoError(t, ch.SendCritical(context.Background(), "health check failed: broker_heartbeat"))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Equal(t, "[tradecore] CRITICAL\nhealth check failed: broker_heartbeat", received["text"])
}

func TestTelegramChannelErrors(t *testing.T) {
	okFalse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer okFalse.Close()
	assert.Error(t, NewTelegramChannel("t", "c", okFalse.URL, "", time.Second, zerolog.Nop()).SendWarning(context.Background(), "x"))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	err := NewTelegramChannel("t", "c", bad.URL, "", time.Second, zerolog.Nop()).SendCritical(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMultiChannelFansOutAndJoinsErrors(t *testing.T) {
	a := &memChannel{}
	b := &memChannel{err: errors.New("down")}
	m := MultiChannel{a, NewLogChannel(zerolog.Nop()), b}

	err := m.SendCritical(context.Background(), "boom")
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"boom"}, a.critical)
	assert.Equal(t, []string{"boom"}, b.critical)

	b.err = nil
	assert.NoError(t, m.SendWarning(context.Background(), "meh"))
	assert.Equal(t, []string{"meh"}, a.warning)
}

func TestCooldownChannelSuppressesRepeats(t *testing.T) {
	inner := &memChannel{}
	c := NewCooldownChannel(inner, time.Minute)
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, c.SendCritical(ctx, "a"))
	require.NoError(t, c.SendCritical(ctx, "a"))
	require.NoError(t, c.SendWarning(ctx, "a"))
	require.NoError(t, c.SendCritical(ctx, "b"))
	now = now.Add(61 * time.Second)
	require.NoError(t, c.SendCritical(ctx, "a"))

	assert.Equal(t, []string{"a", "b", "a"}, inner.critical)
	assert.Equal(t, []string{"a"}, inner.warning)
}
