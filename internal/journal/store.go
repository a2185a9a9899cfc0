// Package journal keeps an append-only record of the memory adjustments a
// controller issued, for operators inspecting a running or finished VM.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store is an ordered log of JSON records. Keys sort chronologically.
type Store[T any] interface {
	// Insert stores value under key. It fails with ErrExists when the key
	// is taken and never overwrites.
	Insert(ctx context.Context, key string, value *T) error
	// Trim drops the oldest records until at most keep remain.
	Trim(ctx context.Context, keep int) error
	// Tail calls fn for the newest n records, oldest first. n <= 0 visits
	// every record.
	Tail(ctx context.Context, n int, fn func(key string, value *T) error) error
	Close() error
}

// ErrExists is returned by Insert for a key that is already stored.
var ErrExists = errdefs.ErrAlreadyExists

// BoltStore provides a bolt-backed implementation of Store[T]
type BoltStore[T any] struct {
	db         *bolt.DB
	bucketName []byte
}

// NewBoltStore opens (creating if needed) dbPath and the bucket.
// bbolt holds an exclusive file lock while open; lockTimeout bounds the
// wait for another process to release it.
func NewBoltStore[T any](dbPath, bucketName string, lockTimeout time.Duration) (*BoltStore[T], error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout:        lockTimeout,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore[T]{
		db:         db,
		bucketName: []byte(bucketName),
	}, nil
}

func (s *BoltStore[T]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucketName)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", string(s.bucketName))
	}
	return b, nil
}

// Insert implements Store. The existence check and the write share one
// transaction.
func (s *BoltStore[T]) Insert(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return fmt.Errorf("key %s: %w", key, ErrExists)
		}
		return b.Put([]byte(key), data)
	})
}

// Trim implements Store.
func (s *BoltStore[T]) Trim(ctx context.Context, keep int) error {
	keep = max(keep, 0)
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		// Keys are copied: they point into pages the deletes below modify.
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}
		stale := keys[:len(keys)-keep]
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tail implements Store.
func (s *BoltStore[T]) Tail(ctx context.Context, n int, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()

		start, _ := c.Last()
		for i := 1; start != nil && (n <= 0 || i < n); i++ {
			prev, _ := c.Prev()
			if prev == nil {
				break
			}
			start = prev
		}
		if start == nil {
			return nil
		}

		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database and releases the file lock
func (s *BoltStore[T]) Close() error {
	return s.db.Close()
}
