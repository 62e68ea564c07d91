package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketState = []byte("rowsync")

// openTimeout bounds how long Open waits for another process's file lock.
const openTimeout = 2 * time.Second

// Bolt is a Backend over a single bbolt bucket.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string, logger *slog.Logger) (*Bolt, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("state: opening bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: creating bucket: %w", err)
	}

	logger.Debug("state database opened",
		slog.String("backend", BackendBolt),
		slog.String("db_path", path),
	)

	return &Bolt{db: db, logger: logger}, nil
}

// Get returns a copy of the value stored under key.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte

	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(key))
		if v != nil {
			// bbolt values are only valid for the life of the transaction.
			out = append([]byte{}, v...)
		}

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("state: reading %s: %w", key, err)
	}

	return out, out != nil, nil
}

// Put stores value under key.
func (b *Bolt) Put(ctx context.Context, key string, value []byte) error {
	return b.PutMany(ctx, map[string][]byte{key: value})
}

// PutMany writes every entry in one transaction.
func (b *Bolt) PutMany(_ context.Context, kv map[string][]byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketState)

		for key, value := range kv {
			if err := bucket.Put([]byte(key), value); err != nil {
				return fmt.Errorf("writing %s: %w", key, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}

	return nil
}

// Delete removes key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("state: deleting %s: %w", key, err)
	}

	return nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}

	return b.db.Close()
}
