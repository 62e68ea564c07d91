package offline

import (
	"context"
	"fmt"

	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/store"
)

// Local edits are written to the store and queued in one step, so every
// local mutation of the store has a matching change record. A store error
// leaves both untouched and returns an empty id. A non-empty id with an
// error means the edit is applied and queued but the queue was not
// persisted.

// EditCell writes value into (row, col) and queues an update whose base is
// the value it replaced.
func (q *Queue) EditCell(ctx context.Context, row, col int, value any) (string, error) {
	var base any

	err := q.store.Update(func(tx *store.Tx) error {
		old, err := tx.Cell(row, col)
		if err != nil {
			return err
		}

		base = old

		return tx.SetCell(row, col, value)
	})
	if err != nil {
		return "", fmt.Errorf("offline: editing cell (%d,%d): %w", row, col, err)
	}

	return q.AddChange(ctx, sheet.ChangeData{Row: row, Col: col, Value: value, Base: base}, sheet.ChangeUpdate)
}

// InsertRow inserts values at row and queues a create.
func (q *Queue) InsertRow(ctx context.Context, row int, values sheet.Row) (string, error) {
	if err := q.store.Update(func(tx *store.Tx) error { return tx.Insert(row, values) }); err != nil {
		return "", fmt.Errorf("offline: inserting row %d: %w", row, err)
	}

	return q.AddChange(ctx, sheet.ChangeData{Row: row, Values: values.Clone()}, sheet.ChangeCreate)
}

// DeleteRow removes row and queues a delete.
func (q *Queue) DeleteRow(ctx context.Context, row int) (string, error) {
	if err := q.store.Update(func(tx *store.Tx) error { return tx.Delete(row) }); err != nil {
		return "", fmt.Errorf("offline: deleting row %d: %w", row, err)
	}

	return q.AddChange(ctx, sheet.ChangeData{Row: row}, sheet.ChangeDelete)
}
