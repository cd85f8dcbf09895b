package metastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Badger stores hints in an embedded badger database.
type Badger struct {
	db   *badger.DB
	path string
}

// NewBadger opens (creating if needed) the database at path. An empty path
// opens an in-memory database.
func NewBadger(path string) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Badger{db: db, path: path}, nil
}

func (b *Badger) GetPriorityEndpoint(_ context.Context, chainID string) (string, bool, error) {
	return b.get(priorityKey(chainID))
}

func (b *Badger) PutPriorityEndpoint(_ context.Context, chainID, url string) error {
	return b.set(priorityKey(chainID), url)
}

func (b *Badger) GetBackoffInterval(_ context.Context, chainID string) (time.Duration, bool, error) {
	v, ok, err := b.get(backoffKey(chainID))
	if err != nil || !ok {
		return 0, false, err
	}
	d, err := decodeInterval(v)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

func (b *Badger) PutBackoffInterval(_ context.Context, chainID string, interval time.Duration) error {
	return b.set(backoffKey(chainID), encodeInterval(interval))
}

func (b *Badger) DeleteBackoffInterval(_ context.Context, chainID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(backoffKey(chainID)))
	})
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, found, nil
}

func (b *Badger) set(key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}
