// Package sheet defines the row, delta, and change types shared by every
// component of the sync engine. It has no dependencies on other rowsync
// packages so that the remote client, the local store, and the sync
// components can all exchange the same values.
package sheet

import (
	"fmt"
	"time"
)

// Row is one spreadsheet row. Cells hold decoded JSON values: string,
// float64, bool, or nil.
type Row []any

// Clone returns a copy of the row that shares no backing array with r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}

	out := make(Row, len(r))
	copy(out, r)

	return out
}

// CloneRows deep-copies a slice of rows.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}

	out := make([]Row, len(rows))
	for i := range rows {
		out[i] = rows[i].Clone()
	}

	return out
}

// EnvelopeType classifies a server response.
type EnvelopeType string

// Envelope types returned by the incremental endpoint.
const (
	EnvelopeFull        EnvelopeType = "full"
	EnvelopeIncremental EnvelopeType = "incremental"
)

// Envelope is the versioned payload returned by the incremental fetch
// endpoint and carried by realtime update messages. Full envelopes carry
// Data; incremental envelopes carry Delta.
type Envelope struct {
	Type    EnvelopeType   `json:"type"`
	Version string         `json:"version"`
	Data    []Row          `json:"data,omitempty"`
	Delta   *Delta         `json:"delta,omitempty"`
	Stats   map[string]any `json:"stats,omitempty"`
}

// Delta describes row changes since a prior version. Row indices in Deleted
// and Modified refer to the store before the delta is applied; indices in
// Added are the desired positions after it is applied.
type Delta struct {
	Added    []AddedRow    `json:"added,omitempty"`
	Modified []ModifiedRow `json:"modified,omitempty"`
	Deleted  []DeletedRow  `json:"deleted,omitempty"`
}

// AddedRow inserts Data at Row.
type AddedRow struct {
	Row  int `json:"row"`
	Data Row `json:"data"`
}

// ModifiedRow changes individual cells of an existing row.
type ModifiedRow struct {
	Row   int          `json:"row"`
	Cells []CellChange `json:"cells"`
}

// CellChange is a single cell update within a ModifiedRow.
type CellChange struct {
	Col      int `json:"col"`
	NewValue any `json:"newValue"`
	OldValue any `json:"oldValue,omitempty"`
}

// DeletedRow removes the row at Row.
type DeletedRow struct {
	Row int `json:"row"`
}

// IsEmpty reports whether the delta carries no changes.
func (d *Delta) IsEmpty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0)
}

// Size returns the number of row operations in the delta.
func (d *Delta) Size() int {
	if d == nil {
		return 0
	}

	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// ChangeType is the kind of local mutation recorded in the offline queue.
type ChangeType string

// Local change kinds.
const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ParseChangeType validates a change type string.
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return ChangeType(s), nil
	default:
		return "", fmt.Errorf("sheet: unknown change type %q", s)
	}
}

// ChangeData is the payload of a local mutation. Update changes use Row,
// Col, Value, and Base (the value the user saw before editing). Create
// changes use Row and Values. Delete changes use Row.
type ChangeData struct {
	Row    int `json:"row"`
	Col    int `json:"col"`
	Value  any `json:"value,omitempty"`
	Base   any `json:"base,omitempty"`
	Values Row `json:"values,omitempty"`
}

// ChangeRecord is one entry of the offline change queue.
type ChangeRecord struct {
	ID        string     `json:"id"`
	Type      ChangeType `json:"type"`
	Data      ChangeData `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
	Synced    bool       `json:"synced"`
}

// ConflictRecord describes a local change and a server change touching the
// same cell. It is consumed by a conflict strategy and never persisted.
type ConflictRecord struct {
	Row         int
	Col         int
	LocalValue  any
	ServerValue any
	BaseValue   any
}
