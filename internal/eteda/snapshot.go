package eteda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Snapshot is the observation handed to one cycle.
type Snapshot struct {
	Timestamp   time.Time       `json:"timestamp"`
	Context     SnapshotContext `json:"context"`
	Observation Observation     `json:"observation"`
}

// SnapshotContext identifies what the cycle trades.
type SnapshotContext struct {
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategy_id,omitempty"`
}

// Observation carries raw market inputs plus optional pre-built intents and
// broker-reported positions.
type Observation struct {
	Inputs    map[string]any   `json:"inputs"`
	Intents   []map[string]any `json:"intents,omitempty"`
	Positions map[string]any   `json:"positions,omitempty"`
}

// SnapshotProvider produces the next snapshot. It may block on I/O.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ProviderFunc adapts a function to SnapshotProvider.
type ProviderFunc func(ctx context.Context) (Snapshot, error)

func (f ProviderFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

// FileProvider re-reads a JSON snapshot file on every call.
type FileProvider struct {
	Path string
	now  func() time.Time
}

// NewFileProvider returns a provider for path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path, now: time.Now}
}

func (p *FileProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", p.Path, err)
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", p.Path, err)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = p.now().UTC()
	}
	return snap, nil
}

// DecodeSnapshot parses a snapshot document keeping numbers as json.Number.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	if snap.Observation.Inputs == nil {
		snap.Observation.Inputs = map[string]any{}
	}
	return snap, nil
}
