package config

import (
	"sort"
	"strings"

	"github.com/spf13/viper"
)

var secretMarkers = []string{"secret", "token", "password", "app_key", "dsn", "live_ack"}

// Store is the hierarchical key-value view over the loaded settings.
type Store struct {
	v *viper.Viper
}

// NewStore wraps an existing viper instance.
func NewStore(v *viper.Viper) *Store { return &Store{v: v} }

// GetFlat resolves name against the qualified keys first, then the bare key.
// Among qualified keys whose last segment equals name (case-insensitive) the
// lexicographically first wins.
func (s *Store) GetFlat(name string, def any) any {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return def
	}
	var candidates []string
	for _, k := range s.v.AllKeys() {
		i := strings.LastIndex(k, ".")
		if i < 0 {
			continue
		}
		if k[i+1:] == want {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) > 0 {
		sort.Strings(candidates)
		return s.v.Get(candidates[0])
	}
	if s.v.IsSet(want) {
		return s.v.Get(want)
	}
	return def
}

// Set overrides a key in memory.
func (s *Store) Set(key string, value any) { s.v.Set(key, value) }

// Snapshot returns every setting with secrets redacted.
func (s *Store) Snapshot() map[string]any {
	return redact(s.v.AllSettings())
}

func redact(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = redact(t)
		default:
			if isSecret(k) {
				if s, ok := v.(string); ok && s == "" {
					out[k] = ""
				} else {
					out[k] = "***"
				}
				continue
			}
			out[k] = v
		}
	}
	return out
}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, m := range secretMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}
