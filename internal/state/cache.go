package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonimelisma/rowsync/internal/sheet"
)

// Persisted keys.
const (
	KeyRows    = "cached_rows"
	KeyVersion = "cached_version"
	KeyQueue   = "pending_changes"
	KeyMeta    = "cache_meta"

	// KeyClientID survives Clear: a client keeps its identity across
	// cache resets.
	KeyClientID = "client_id"
)

// Meta describes the last persisted snapshot.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RowCount  int       `json:"row_count"`
	Version   string    `json:"version"`
}

// Snapshot is a persisted copy of the local store.
type Snapshot struct {
	Rows    []sheet.Row
	Version string
	Meta    Meta
}

// Cache reads and writes the typed rowsync keys on a Backend.
type Cache struct {
	backend Backend
	nowFunc func() time.Time
}

// NewCache wraps backend.
func NewCache(backend Backend) *Cache {
	return &Cache{backend: backend, nowFunc: time.Now}
}

// SaveSnapshot atomically persists rows, version, and fresh metadata.
func (c *Cache) SaveSnapshot(ctx context.Context, rows []sheet.Row, version string) error {
	if rows == nil {
		rows = []sheet.Row{}
	}

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("state: encoding rows: %w", err)
	}

	versionJSON, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("state: encoding version: %w", err)
	}

	metaJSON, err := json.Marshal(Meta{
		Timestamp: c.nowFunc().UTC(),
		RowCount:  len(rows),
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("state: encoding meta: %w", err)
	}

	return c.backend.PutMany(ctx, map[string][]byte{
		KeyRows:    rowsJSON,
		KeyVersion: versionJSON,
		KeyMeta:    metaJSON,
	})
}

// LoadSnapshot returns the persisted snapshot, or nil when none was saved.
func (c *Cache) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot

	found, err := c.load(ctx, KeyRows, &snap.Rows)
	if err != nil || !found {
		return nil, err
	}

	if _, err := c.load(ctx, KeyVersion, &snap.Version); err != nil {
		return nil, err
	}

	if _, err := c.load(ctx, KeyMeta, &snap.Meta); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveQueue persists the pending change queue.
func (c *Cache) SaveQueue(ctx context.Context, queue []sheet.ChangeRecord) error {
	if queue == nil {
		queue = []sheet.ChangeRecord{}
	}

	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("state: encoding queue: %w", err)
	}

	return c.backend.Put(ctx, KeyQueue, data)
}

// LoadQueue returns the persisted queue. A missing key is an empty queue.
func (c *Cache) LoadQueue(ctx context.Context) ([]sheet.ChangeRecord, error) {
	var queue []sheet.ChangeRecord
	if _, err := c.load(ctx, KeyQueue, &queue); err != nil {
		return nil, err
	}

	return queue, nil
}

// ClientID returns the persisted client identity, or "" when none was saved.
func (c *Cache) ClientID(ctx context.Context) (string, error) {
	var id string
	if _, err := c.load(ctx, KeyClientID, &id); err != nil {
		return "", err
	}

	return id, nil
}

// SaveClientID persists the client identity.
func (c *Cache) SaveClientID(ctx context.Context, id string) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("state: encoding client id: %w", err)
	}

	return c.backend.Put(ctx, KeyClientID, data)
}

// Clear removes the cached rows and the pending queue.
func (c *Cache) Clear(ctx context.Context) error {
	for _, key := range []string{KeyRows, KeyVersion, KeyQueue, KeyMeta} {
		if err := c.backend.Delete(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) load(ctx context.Context, key string, dst any) (bool, error) {
	data, found, err := c.backend.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("state: decoding %s: %w", key, err)
	}

	return true, nil
}
