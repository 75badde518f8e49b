package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	changelogName   = "schema_changes.jsonl"
	backupPrefix    = "schema_"
	backupTimestamp = "20060102_150405"
)

// Guard reasons.
const (
	GuardOK              = "ok"
	GuardVersionMismatch = "schema_version_mismatch"
	GuardLoadError       = "schema_load_error"
)

// GuardResult is returned by CheckBeforeExtract.
type GuardResult struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Expected string `json:"expected"`
	Current  string `json:"current"`
}

// ApplyResult reports what Apply did.
type ApplyResult struct {
	Updated    bool        `json:"updated"`
	OldVersion string      `json:"old_version"`
	NewVersion string      `json:"new_version"`
	Bump       VersionBump `json:"bump"`
	Items      []DiffItem  `json:"items"`
	BackupPath string      `json:"backup_path,omitempty"`
}

// Options configure a Registry.
type Options struct {
	Path      string
	BackupDir string
	Clock     func() time.Time
}

// Registry owns the persisted schema and its cached parsed form.
type Registry struct {
	opts   Options
	mu     sync.RWMutex
	doc    *Document
	logger zerolog.Logger
}

// NewRegistry constructs a Registry. BackupDir defaults to "<dir of Path>/backups".
func NewRegistry(opts Options, logger zerolog.Logger) *Registry {
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{opts: opts, logger: logger.With().Str("component", "schema_registry").Logger()}
}

// Path returns the schema file path.
func (r *Registry) Path() string { return r.opts.Path }

// Load returns the cached document, reading the file when the cache is empty or force is set.
func (r *Registry) Load(force bool) (*Document, error) {
	if !force {
		r.mu.RLock()
		doc := r.doc
		r.mu.RUnlock()
		if doc != nil {
			return doc, nil
		}
	}

	data, err := os.ReadFile(r.opts.Path)
	if err != nil {
		r.Invalidate()
		return nil, fmt.Errorf("%w: read %s: %v", ErrSchemaLoad, r.opts.Path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		// a broken file must not leave the previous version looking valid
		r.Invalidate()
		return nil, err
	}

	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	return doc, nil
}

// Invalidate drops the cached document; the next Load re-reads the file.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.doc = nil
	r.mu.Unlock()
}

// Snapshot builds the normalized projection of the current document.
func (r *Registry) Snapshot() (Snapshot, error) {
	doc, err := r.Load(false)
	if err != nil {
		return Snapshot{}, err
	}
	return Normalize(doc), nil
}

// SchemaVersion returns the persisted schema_version.
func (r *Registry) SchemaVersion() (string, error) {
	doc, err := r.Load(false)
	if err != nil {
		return "", err
	}
	return doc.SchemaVersion, nil
}

// CheckBeforeExtract compares the persisted version with expected. It never panics.
func (r *Registry) CheckBeforeExtract(expected string) (res GuardResult) {
	res = GuardResult{Expected: expected}
	defer func() {
		if p := recover(); p != nil {
			res = GuardResult{Allowed: false, Reason: GuardLoadError, Expected: expected}
		}
	}()

	current, err := r.SchemaVersion()
	if err != nil {
		r.logger.Error().Err(err).Msg("schema unavailable before extract")
		res.Reason = GuardLoadError
		return res
	}
	res.Current = current
	if current != expected {
		res.Reason = GuardVersionMismatch
		return res
	}
	res.Allowed = true
	res.Reason = GuardOK
	return res
}

// Plan diffs next against the current document without writing anything.
func (r *Registry) Plan(next *Document) (ApplyResult, error) {
	current, err := r.Load(true)
	if err != nil {
		return ApplyResult{}, err
	}
	items := Diff(current, next)
	bump := ClassifyVersionBump(items)
	newVersion, err := NextVersion(current.SchemaVersion, bump.Bump)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{
		Updated:    bump.Bump != BumpNone,
		OldVersion: current.SchemaVersion,
		NewVersion: newVersion,
		Bump:       bump,
		Items:      items,
	}, nil
}

// Apply persists next with a diff-driven schema_version. The schema_version
// carried by next is ignored. The old file is backed up before it is replaced
// and one changelog line per change is appended.
func (r *Registry) Apply(next *Document) (ApplyResult, error) {
	plan, err := r.Plan(next)
	if err != nil {
		return ApplyResult{}, err
	}
	if !plan.Updated {
		return plan, nil
	}

	now := r.opts.Clock().UTC()
	backupPath, err := r.writeBackup(plan.OldVersion, now)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("backup schema: %w", err)
	}
	plan.BackupPath = backupPath

	out := *next
	out.SchemaVersion = plan.NewVersion
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return ApplyResult{}, fmt.Errorf("marshal schema: %w", err)
	}
	if err := writeFileAtomic(r.opts.Path, append(body, '\n')); err != nil {
		return ApplyResult{}, fmt.Errorf("write schema: %w", err)
	}

	if err := r.appendChangelog(now, plan); err != nil {
		return ApplyResult{}, fmt.Errorf("append changelog: %w", err)
	}

	r.mu.Lock()
	r.doc = &out
	r.mu.Unlock()

	r.logger.Info().
		Str("old_version", plan.OldVersion).
		Str("new_version", plan.NewVersion).
		Str("bump", string(plan.Bump.Bump)).
		Int("changes", len(plan.Items)).
		Msg("schema updated")
	return plan, nil
}

// Backups lists backup files, oldest first.
func (r *Registry) Backups() ([]string, error) {
	entries, err := os.ReadDir(r.opts.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(r.opts.BackupDir, name))
	}
	sort.Slice(out, func(i, j int) bool {
		return backupStamp(out[i]) < backupStamp(out[j])
	})
	return out, nil
}

// ChangelogPath returns the JSON-lines journal path.
func (r *Registry) ChangelogPath() string {
	return filepath.Join(r.opts.BackupDir, changelogName)
}

func (r *Registry) writeBackup(version string, now time.Time) (string, error) {
	raw, err := os.ReadFile(r.opts.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.opts.BackupDir, 0o755); err != nil {
		return "", err
	}

	stamp := now.Format(backupTimestamp)
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("%s%s_%s.json", backupPrefix, version, stamp)
		if i > 0 {
			name = fmt.Sprintf("%s%s_%s_%d.json", backupPrefix, version, stamp, i)
		}
		path := filepath.Join(r.opts.BackupDir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(raw); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("too many backups for version %s at %s", version, stamp)
}

type changelogEntry struct {
	TS         string     `json:"ts"`
	OldVersion string     `json:"old_version"`
	NewVersion string     `json:"new_version"`
	Bump       Bump       `json:"bump"`
	Reason     string     `json:"reason"`
	Items      []DiffItem `json:"items"`
}

func (r *Registry) appendChangelog(now time.Time, plan ApplyResult) error {
	f, err := os.OpenFile(r.ChangelogPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, item := range plan.Items {
		line, err := Canonical(changelogEntry{
			TS:         now.Format(time.RFC3339),
			OldVersion: plan.OldVersion,
			NewVersion: plan.NewVersion,
			Bump:       plan.Bump.Bump,
			Reason:     plan.Bump.Reason,
			Items:      []DiffItem{item},
		})
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return f.Sync()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".schema-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// backupStamp extracts the "YYYYMMDD_HHMMSS[_n]" suffix used for ordering.
func backupStamp(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	name = strings.TrimPrefix(name, backupPrefix)
	idx := strings.Index(name, "_")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}
