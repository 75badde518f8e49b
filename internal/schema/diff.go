package schema

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DiffKind classifies a structural change.
type DiffKind string

const (
	FieldAdded    DiffKind = "FIELD_ADDED"
	FieldRemoved  DiffKind = "FIELD_REMOVED"
	FieldMoved    DiffKind = "FIELD_MOVED"
	StructChanged DiffKind = "STRUCT_CHANGED"
)

// SheetKey is the pseudo-key used when a whole sheet appears or disappears.
const SheetKey = "__sheet__"

// DiffItem is one change between two documents.
type DiffItem struct {
	Sheet  string   `json:"sheet"`
	Kind   DiffKind `json:"kind"`
	Key    string   `json:"key"`
	Before any      `json:"before"`
	After  any      `json:"after"`
}

// Bump is the version increment implied by a diff.
type Bump string

const (
	BumpMajor Bump = "major"
	BumpMinor Bump = "minor"
	BumpNone  Bump = "none"
)

// VersionBump pairs a bump with a human readable reason.
type VersionBump struct {
	Bump   Bump   `json:"bump"`
	Reason string `json:"reason"`
}

// Diff compares two documents. Items are ordered by sheet, then key.
func Diff(before, after *Document) []DiffItem {
	items := make([]DiffItem, 0)
	for _, key := range unionKeys(before.Sheets, after.Sheets) {
		b, inBefore := before.Sheets[key]
		a, inAfter := after.Sheets[key]
		switch {
		case !inBefore:
			items = append(items, DiffItem{Sheet: key, Kind: StructChanged, Key: SheetKey, Before: nil, After: a.SheetName})
		case !inAfter:
			items = append(items, DiffItem{Sheet: key, Kind: StructChanged, Key: SheetKey, Before: b.SheetName, After: nil})
		default:
			items = append(items, diffSheet(key, b, a)...)
		}
	}
	return items
}

func diffSheet(key string, b, a Sheet) []DiffItem {
	var items []DiffItem
	if b.SheetName != a.SheetName {
		items = append(items, DiffItem{Sheet: key, Kind: StructChanged, Key: "sheet_name", Before: b.SheetName, After: a.SheetName})
	}
	if b.RowStart != a.RowStart {
		items = append(items, DiffItem{Sheet: key, Kind: StructChanged, Key: "row_start", Before: b.RowStart, After: a.RowStart})
	}
	if !sameLayout(b.Layout, a.Layout) {
		items = append(items, DiffItem{Sheet: key, Kind: StructChanged, Key: "layout", Before: b.Layout, After: a.Layout})
	}

	for _, field := range unionKeys(b.Mapping, a.Mapping) {
		bl, inBefore := b.Mapping[field]
		al, inAfter := a.Mapping[field]
		switch {
		case !inBefore:
			items = append(items, DiffItem{Sheet: key, Kind: FieldAdded, Key: field, Before: nil, After: al})
		case !inAfter:
			items = append(items, DiffItem{Sheet: key, Kind: FieldRemoved, Key: field, Before: bl, After: nil})
		case bl != al:
			items = append(items, DiffItem{Sheet: key, Kind: FieldMoved, Key: field, Before: bl, After: al})
		}
	}
	return items
}

func sameLayout(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func unionKeys[V any](a, b map[string]V) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClassifyVersionBump: any FIELD_REMOVED is major, any other change minor,
// nothing is none.
func ClassifyVersionBump(items []DiffItem) VersionBump {
	if len(items) == 0 {
		return VersionBump{Bump: BumpNone, Reason: "no structural change"}
	}
	removed := 0
	for _, it := range items {
		if it.Kind == FieldRemoved {
			removed++
		}
	}
	if removed > 0 {
		return VersionBump{Bump: BumpMajor, Reason: fmt.Sprintf("%d field(s) removed", removed)}
	}
	return VersionBump{Bump: BumpMinor, Reason: fmt.Sprintf("%d structural change(s)", len(items))}
}

// NextVersion applies bump to a dotted numeric version ("1.5" or "1.5.0").
func NextVersion(current string, bump Bump) (string, error) {
	if bump == BumpNone {
		return current, nil
	}
	parts := strings.Split(strings.TrimSpace(current), ".")
	if current == "" {
		parts = []string{"0", "0"}
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return "", fmt.Errorf("schema_version %q is not dotted numeric", current)
		}
		nums[i] = n
	}
	if len(nums) < 2 {
		nums = append(nums, 0)
	}

	switch bump {
	case BumpMajor:
		nums[0]++
		for i := 1; i < len(nums); i++ {
			nums[i] = 0
		}
	case BumpMinor:
		nums[1]++
		for i := 2; i < len(nums); i++ {
			nums[i] = 0
		}
	default:
		return "", fmt.Errorf("unknown bump %q", bump)
	}

	out := make([]string, len(nums))
	for i, n := range nums {
		out[i] = strconv.Itoa(n)
	}
	return strings.Join(out, "."), nil
}
