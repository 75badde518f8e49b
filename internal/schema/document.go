package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSchemaLoad marks a schema file that could not be read or parsed.
var ErrSchemaLoad = errors.New("SCHEMA_LOAD_ERROR")

// Sheet describes one mapped sheet.
type Sheet struct {
	SheetName string            `json:"sheet_name"`
	RowStart  int               `json:"row_start"`
	Mapping   map[string]string `json:"mapping"`
	Layout    any               `json:"layout,omitempty"`
}

// Document is the persisted schema file.
type Document struct {
	SchemaVersion string           `json:"schema_version"`
	Sheets        map[string]Sheet `json:"sheets"`
}

// Snapshot is the normalised projection of a document. Normalized is the only
// input to the hash; SchemaVersion is carried alongside, never hashed.
type Snapshot struct {
	SchemaVersion string         `json:"schema_version"`
	Normalized    map[string]any `json:"normalized"`
}

// Parse decodes a schema document. Numbers inside layout keep their literal form.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode schema: %v", ErrSchemaLoad, err)
	}
	if doc.Sheets == nil {
		doc.Sheets = map[string]Sheet{}
	}
	for key, sheet := range doc.Sheets {
		if sheet.Mapping == nil {
			sheet.Mapping = map[string]string{}
			doc.Sheets[key] = sheet
		}
	}
	return &doc, nil
}

// Normalize builds the deterministic projection
// {sheet_key -> {sheet_name, row_start, mapping, layout?}}.
func Normalize(doc *Document) Snapshot {
	normalized := make(map[string]any, len(doc.Sheets))
	for key, sheet := range doc.Sheets {
		mapping := make(map[string]any, len(sheet.Mapping))
		for field, loc := range sheet.Mapping {
			mapping[field] = loc
		}
		entry := map[string]any{
			"sheet_name": sheet.SheetName,
			"row_start":  sheet.RowStart,
			"mapping":    mapping,
		}
		if sheet.Layout != nil {
			entry["layout"] = sheet.Layout
		}
		normalized[key] = entry
	}
	return Snapshot{SchemaVersion: doc.SchemaVersion, Normalized: normalized}
}

// Canonical serialises v as compact UTF-8 JSON with sorted object keys.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash is the hex SHA-256 of the canonical normalized projection.
func (s Snapshot) Hash() (string, error) {
	raw, err := Canonical(s.Normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical bytes of the normalized projection.
func (s Snapshot) Canonical() ([]byte, error) {
	return Canonical(s.Normalized)
}
