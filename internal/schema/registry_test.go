package schema

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSchema = `{
  "schema_version": "1.5",
  "sheets": {
    "positions": {
      "sheet_name": "Positions",
      "row_start": 2,
      "mapping": {"symbol": "A", "qty": "B", "avg_price": "C"},
      "layout": {"header_row": 1, "frozen": true}
    },
    "config": {
      "sheet_name": "Config",
      "row_start": 1,
      "mapping": {"key": "A", "value": "B"}
    }
  }
}`

func writeSchema(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHashIgnoresKeyOrderAndVersion(t *testing.T) {
	doc, err := Parse([]byte(sampleSchema))
	require.NoError(t, err)
	h1, err := Normalize(doc).Hash()
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal([]byte(sampleSchema), &generic))
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		shuffled := shuffleJSON(t, generic, rng)
		doc2, err := Parse(shuffled)
		require.NoError(t, err)
		doc2.SchemaVersion = "9.9"
		h2, err := Normalize(doc2).Hash()
		require.NoError(t, err)
		require.Equal(t, h1, h2)
	}
}

// shuffleJSON writes objects with randomised key order.
func shuffleJSON(t *testing.T, v any, rng *rand.Rand) []byte {
	t.Helper()
	var sb strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
			sb.WriteString("{")
			for i, k := range keys {
				if i > 0 {
					sb.WriteString(",")
				}
				kb, _ := json.Marshal(k)
				sb.Write(kb)
				sb.WriteString(":")
				walk(x[k])
			}
			sb.WriteString("}")
		default:
			b, err := json.Marshal(x)
			require.NoError(t, err)
			sb.Write(b)
		}
	}
	walk(v)
	return []byte(sb.String())
}

func TestCanonicalIsCompactSortedUTF8(t *testing.T) {
	out, err := Canonical(map[string]any{"b": "<종목>", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"<종목>"}`, string(out))
}

func TestDiffAndBump(t *testing.T) {
	before, err := Parse([]byte(sampleSchema))
	require.NoError(t, err)

	after, err := Parse([]byte(sampleSchema))
	require.NoError(t, err)
	assert.Empty(t, Diff(before, after))
	assert.Equal(t, BumpNone, ClassifyVersionBump(Diff(before, after)).Bump)

	pos := after.Sheets["positions"]
	pos.Mapping = map[string]string{"symbol": "A", "qty": "D", "avg_price": "C", "side": "E"}
	pos.RowStart = 3
	after.Sheets["positions"] = pos
	after.Sheets["orders"] = Sheet{SheetName: "Orders", RowStart: 2, Mapping: map[string]string{"id": "A"}}

	items := Diff(before, after)
	kinds := map[string]DiffKind{}
	for _, it := range items {
		kinds[it.Sheet+"/"+it.Key] = it.Kind
	}
	assert.Equal(t, StructChanged, kinds["orders/"+SheetKey])
	assert.Equal(t, StructChanged, kinds["positions/row_start"])
	assert.Equal(t, FieldMoved, kinds["positions/qty"])
	assert.Equal(t, FieldAdded, kinds["positions/side"])
	assert.Equal(t, BumpMinor, ClassifyVersionBump(items).Bump)

	delete(after.Sheets["config"].Mapping, "value")
	items = Diff(before, after)
	assert.Equal(t, BumpMajor, ClassifyVersionBump(items).Bump)
}

func TestDiffLayoutAndSheetRemoval(t *testing.T) {
	before, _ := Parse([]byte(sampleSchema))
	after, _ := Parse([]byte(sampleSchema))
	pos := after.Sheets["positions"]
	pos.Layout = map[string]any{"header_row": json.Number("2")}
	after.Sheets["positions"] = pos
	delete(after.Sheets, "config")

	items := Diff(before, after)
	require.Len(t, items, 2)
	assert.Equal(t, DiffItem{Sheet: "config", Kind: StructChanged, Key: SheetKey, Before: "Config", After: nil}, items[0])
	assert.Equal(t, "layout", items[1].Key)
}

func TestClassifyVersionBumpRule(t *testing.T) {
	kinds := []DiffKind{FieldAdded, FieldRemoved, FieldMoved, StructChanged}
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		n := rng.Intn(5)
		items := make([]DiffItem, n)
		hasRemoved := false
		for j := range items {
			items[j].Kind = kinds[rng.Intn(len(kinds))]
			hasRemoved = hasRemoved || items[j].Kind == FieldRemoved
		}
		got := ClassifyVersionBump(items).Bump
		switch {
		case hasRemoved:
			require.Equal(t, BumpMajor, got)
		case n == 0:
			require.Equal(t, BumpNone, got)
		default:
			require.Equal(t, BumpMinor, got)
		}
	}
}

func TestNextVersion(t *testing.T) {
	cases := []struct {
		in   string
		bump Bump
		want string
	}{
		{"1.5", BumpMinor, "1.6"},
		{"1.5", BumpMajor, "2.0"},
		{"1.5.3", BumpMinor, "1.6.0"},
		{"2", BumpMinor, "2.1"},
		{"1.5", BumpNone, "1.5"},
	}
	for _, tc := range cases {
		got, err := NextVersion(tc.in, tc.bump)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.in)
	}
	_, err := NextVersion("v1", BumpMinor)
	assert.Error(t, err)
}

func TestCheckBeforeExtract(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, sampleSchema)
	reg := NewRegistry(Options{Path: path}, zerolog.Nop())

	res := reg.CheckBeforeExtract("2.0")
	assert.Equal(t, GuardResult{Allowed: false, Reason: GuardVersionMismatch, Expected: "2.0", Current: "1.5"}, res)

	assert.True(t, reg.CheckBeforeExtract("1.5").Allowed)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := reg.Load(true)
	require.ErrorIs(t, err, ErrSchemaLoad)
	_, err = reg.Load(false)
	require.ErrorIs(t, err, ErrSchemaLoad, "cache cleared by the failed reload")
	res = reg.CheckBeforeExtract("1.5")
	assert.False(t, res.Allowed)
	assert.Equal(t, GuardLoadError, res.Reason)

	missing := NewRegistry(Options{Path: filepath.Join(dir, "nope.json")}, zerolog.Nop())
	assert.Equal(t, GuardLoadError, missing.CheckBeforeExtract("1.5").Reason)
}

func TestApplyWritesBackupThenSchemaThenChangelog(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, sampleSchema)
	clock := func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	reg := NewRegistry(Options{Path: path, BackupDir: filepath.Join(dir, "bk"), Clock: clock}, zerolog.Nop())

	next, err := Parse([]byte(sampleSchema))
	require.NoError(t, err)
	next.SchemaVersion = "42.0"
	delete(next.Sheets["positions"].Mapping, "avg_price")
	next.Sheets["positions"].Mapping["side"] = "D"

	res, err := reg.Apply(next)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "1.5", res.OldVersion)
	assert.Equal(t, "2.0", res.NewVersion)
	assert.Equal(t, filepath.Join(dir, "bk", "schema_1.5_20260304_050607.json"), res.BackupPath)

	backup, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, sampleSchema, string(backup))

	version, err := reg.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "2.0", version)
	fresh := NewRegistry(Options{Path: path}, zerolog.Nop())
	version, err = fresh.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "2.0", version)

	f, err := os.Open(reg.ChangelogPath())
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "major", lines[0]["bump"])
	assert.Equal(t, "1.5", lines[0]["old_version"])
	assert.Equal(t, "2.0", lines[0]["new_version"])

	backups, err := reg.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestApplyWithoutChangeDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, sampleSchema)
	reg := NewRegistry(Options{Path: path}, zerolog.Nop())

	same, err := Parse([]byte(sampleSchema))
	require.NoError(t, err)
	res, err := reg.Apply(same)
	require.NoError(t, err)
	assert.False(t, res.Updated)

	_, err = os.Stat(filepath.Join(dir, "backups"))
	assert.True(t, os.IsNotExist(err))
	raw, _ := os.ReadFile(path)
	assert.Equal(t, sampleSchema, string(raw))
}

func TestWatcherInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, sampleSchema)
	reg := NewRegistry(Options{Path: path}, zerolog.Nop())
	v, err := reg.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, "1.5", v)

	w, err := NewWatcher(reg, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleSchema, `"1.5"`, `"1.6"`, 1)), 0o644))

	require.Eventually(t, func() bool {
		v, err := reg.SchemaVersion()
		return err == nil && v == "1.6"
	}, 2*time.Second, 20*time.Millisecond)
}
