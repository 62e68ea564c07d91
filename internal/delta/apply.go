package delta

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/store"
)

type cellKey struct {
	row, col int
}

type localEdit struct {
	value, base any
}

// pendingFor looks up local edits for every cell the delta modifies. It runs
// before the store transaction so the queue's lock is never taken while the
// store's is held.
func pendingFor(d *sheet.Delta, pending PendingCells) map[cellKey]localEdit {
	if pending == nil || d == nil || len(d.Modified) == 0 {
		return nil
	}

	out := make(map[cellKey]localEdit)

	for _, mod := range d.Modified {
		for _, cell := range mod.Cells {
			if v, base, ok := pending.PendingCell(mod.Row, cell.Col); ok {
				out[cellKey{mod.Row, cell.Col}] = localEdit{value: v, base: base}
			}
		}
	}

	return out
}

// applyDelta mutates tx in three phases: deletions by descending index,
// cell modifications with indices remapped past the deletions, then
// insertions by ascending target index. Any invalid index fails the whole
// delta; the caller's transaction discards the partial work.
func (m *Manager) applyDelta(tx *store.Tx, d *sheet.Delta, local map[cellKey]localEdit) ([]events.ConflictResolved, error) {
	if d.IsEmpty() {
		return nil, nil
	}

	preLen := tx.Len()

	deleted, err := deletionOrder(d.Deleted, preLen)
	if err != nil {
		return nil, err
	}

	for _, row := range deleted {
		if err := tx.Delete(row); err != nil {
			return nil, err
		}
	}

	resolved, err := m.applyModifications(tx, d.Modified, deleted, preLen, local)
	if err != nil {
		return nil, err
	}

	added := slices.Clone(d.Added)
	slices.SortStableFunc(added, func(a, b sheet.AddedRow) int { return a.Row - b.Row })

	for _, a := range added {
		if a.Row < 0 {
			return nil, fmt.Errorf("insert at negative row %d", a.Row)
		}

		if err := tx.Insert(a.Row, a.Data); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// deletionOrder validates deletion indices against the pre-apply length
// and returns them unique and descending.
func deletionOrder(rows []sheet.DeletedRow, preLen int) ([]int, error) {
	out := make([]int, 0, len(rows))

	for _, d := range rows {
		if d.Row < 0 || d.Row >= preLen {
			return nil, fmt.Errorf("delete row %d out of range (len %d)", d.Row, preLen)
		}

		out = append(out, d.Row)
	}

	slices.Sort(out)
	out = slices.Compact(out)
	slices.Reverse(out)

	return out, nil
}

func (m *Manager) applyModifications(
	tx *store.Tx, mods []sheet.ModifiedRow, deletedDesc []int, preLen int, local map[cellKey]localEdit,
) ([]events.ConflictResolved, error) {
	var resolved []events.ConflictResolved

	for _, mod := range mods {
		if mod.Row < 0 || mod.Row >= preLen {
			return nil, fmt.Errorf("modify row %d out of range (len %d)", mod.Row, preLen)
		}

		target, ok := remapRow(mod.Row, deletedDesc)
		if !ok {
			m.logger.Debug("skipping modification of deleted row", slog.Int("row", mod.Row))
			continue
		}

		for _, cell := range mod.Cells {
			if cell.Col < 0 {
				return nil, fmt.Errorf("modify row %d: negative column %d", mod.Row, cell.Col)
			}

			value := cell.NewValue

			if edit, ok := local[cellKey{mod.Row, cell.Col}]; ok && !sheet.CellsEqual(edit.value, cell.NewValue) {
				value = m.resolver.Resolve(sheet.ConflictRecord{
					Row:         mod.Row,
					Col:         cell.Col,
					LocalValue:  edit.value,
					ServerValue: cell.NewValue,
					BaseValue:   edit.base,
				})

				resolved = append(resolved, events.ConflictResolved{
					Row:      target,
					Col:      cell.Col,
					Strategy: string(m.resolver.Strategy()),
					Value:    value,
				})
			}

			if err := tx.SetCell(target, cell.Col, value); err != nil {
				return nil, err
			}
		}
	}

	return resolved, nil
}

// remapRow converts a pre-apply row index into its index after deletions.
// It reports false when the row itself was deleted.
func remapRow(row int, deletedDesc []int) (int, bool) {
	shift := 0

	for _, d := range deletedDesc {
		switch {
		case d == row:
			return 0, false
		case d < row:
			shift++
		}
	}

	return row - shift, true
}
