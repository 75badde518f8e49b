package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/safety"
)

func TestPublishPostsSnapshot(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, "secret", time.Second, zerolog.Nop())
	err := p.Publish(context.Background(), Update{
		Timestamp: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		App:       "tradecore",
		Safety:    safety.LayerSnapshot{Snapshot: safety.Snapshot{State: safety.StateWarning}, SafeMode: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "tradecore", got["app"])
	s := got["safety"].(map[string]any)
	assert.Equal(t, "WARNING", s["state"])
	assert.Equal(t, true, s["safe_mode"])
}

func TestPublishNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := NewPublisher(srv.URL, "", time.Second, zerolog.Nop()).Publish(context.Background(), Update{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestPublishWithoutEndpoint(t *testing.T) {
	p := NewPublisher(" ", "", 0, zerolog.Nop())
	assert.False(t, p.Enabled())
	assert.ErrorIs(t, p.Publish(context.Background(), Update{}), ErrNotConfigured)
}
