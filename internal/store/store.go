// Package store holds the local row-store replicated from the remote sheet.
//
// The store has a single-writer discipline: all mutations go through Update,
// which runs a caller-supplied function against a private copy of the rows
// and publishes the copy only if the function succeeds. A failed or
// panicking update leaves the store untouched, so a malformed delta can be
// dropped without corrupting local state.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tonimelisma/rowsync/internal/sheet"
)

// ErrRowOutOfRange is returned by Tx methods for an index outside the store.
var ErrRowOutOfRange = errors.New("store: row index out of range")

// Store is an ordered, index-addressed sequence of rows. Safe for
// concurrent use; readers never observe a partially applied Update.
type Store struct {
	mu   sync.RWMutex
	rows []sheet.Row

	// updates counts committed transactions. Tests use it to assert that a
	// rejected update did not commit.
	updates int64
}

// New creates a store seeded with a copy of rows.
func New(rows []sheet.Row) *Store {
	return &Store{rows: sheet.CloneRows(rows)}
}

// Len returns the number of rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.rows)
}

// Row returns a copy of the row at i.
func (s *Store) Row(i int) (sheet.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.rows) {
		return nil, false
	}

	return s.rows[i].Clone(), true
}

// Cell returns the value at (row, col). Missing columns read as nil.
func (s *Store) Cell(row, col int) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if row < 0 || row >= len(s.rows) || col < 0 {
		return nil, false
	}

	if col >= len(s.rows[row]) {
		return nil, true
	}

	return s.rows[row][col], true
}

// Snapshot returns a deep copy of all rows.
func (s *Store) Snapshot() []sheet.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sheet.CloneRows(s.rows)
}

// Commits returns the number of committed updates.
func (s *Store) Commits() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.updates
}

// Update runs fn against a working copy of the rows while holding the write
// lock. If fn returns nil the copy replaces the store contents; otherwise
// the store is unchanged and fn's error is returned. A panic inside fn is
// converted into an error.
func (s *Store) Update(fn func(tx *Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{rows: sheet.CloneRows(s.rows)}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store: update panicked: %v", r)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	s.rows = tx.rows
	s.updates++

	return nil
}

// Tx is a working copy of the store passed to Update. It is only valid
// inside the Update callback.
type Tx struct {
	rows []sheet.Row
}

// Len returns the current number of rows in the working copy.
func (tx *Tx) Len() int {
	return len(tx.rows)
}

// Replace swaps the entire contents for a copy of rows.
func (tx *Tx) Replace(rows []sheet.Row) {
	tx.rows = sheet.CloneRows(rows)
	if tx.rows == nil {
		tx.rows = []sheet.Row{}
	}
}

// Delete removes the row at i.
func (tx *Tx) Delete(i int) error {
	if i < 0 || i >= len(tx.rows) {
		return fmt.Errorf("%w: delete %d (len %d)", ErrRowOutOfRange, i, len(tx.rows))
	}

	tx.rows = append(tx.rows[:i], tx.rows[i+1:]...)

	return nil
}

// Cell returns the value at (row, col) in the working copy.
func (tx *Tx) Cell(row, col int) (any, error) {
	if row < 0 || row >= len(tx.rows) || col < 0 {
		return nil, fmt.Errorf("%w: cell (%d,%d) (len %d)", ErrRowOutOfRange, row, col, len(tx.rows))
	}

	if col >= len(tx.rows[row]) {
		return nil, nil
	}

	return tx.rows[row][col], nil
}

// SetCell writes value at (row, col), growing the row with nil cells when
// col is past its end.
func (tx *Tx) SetCell(row, col int, value any) error {
	if row < 0 || row >= len(tx.rows) || col < 0 {
		return fmt.Errorf("%w: set cell (%d,%d) (len %d)", ErrRowOutOfRange, row, col, len(tx.rows))
	}

	r := tx.rows[row]
	for len(r) <= col {
		r = append(r, nil)
	}

	r[col] = value
	tx.rows[row] = r

	return nil
}

// Insert places row at index i. An index at or past the end appends.
func (tx *Tx) Insert(i int, row sheet.Row) error {
	if i < 0 {
		return fmt.Errorf("%w: insert at %d", ErrRowOutOfRange, i)
	}

	if i >= len(tx.rows) {
		tx.rows = append(tx.rows, row.Clone())
		return nil
	}

	tx.rows = append(tx.rows, nil)
	copy(tx.rows[i+1:], tx.rows[i:])
	tx.rows[i] = row.Clone()

	return nil
}
