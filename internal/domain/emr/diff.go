package emr

import (
	"reflect"
	"sort"
)

type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

// FieldChange is one top-level field that differs between two snapshots.
type FieldChange struct {
	Field      string   `json:"field"`
	ChangeType DiffType `json:"change_type"`
	OldValue   any      `json:"old_value"`
	NewValue   any      `json:"new_value"`
}

// DiffData compares the top-level fields of from and to. Equal fields are
// omitted and the result is ordered by field name.
func DiffData(from, to Data) []FieldChange {
	keys := make(map[string]struct{}, len(from)+len(to))
	for k := range from {
		keys[k] = struct{}{}
	}
	for k := range to {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	changes := []FieldChange{}
	for _, k := range sorted {
		oldVal, inOld := from[k]
		newVal, inNew := to[k]
		switch {
		case !inOld:
			changes = append(changes, FieldChange{Field: k, ChangeType: DiffAdded, NewValue: newVal})
		case !inNew:
			changes = append(changes, FieldChange{Field: k, ChangeType: DiffRemoved, OldValue: oldVal})
		case !reflect.DeepEqual(oldVal, newVal):
			changes = append(changes, FieldChange{Field: k, ChangeType: DiffModified, OldValue: oldVal, NewValue: newVal})
		}
	}
	return changes
}
