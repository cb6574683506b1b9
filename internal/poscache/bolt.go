package poscache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketNames = map[Namespace][]byte{
	ItemMappingCache:  []byte("item_mapping_cache"),
	NoteModsCache:     []byte("note_mods_cache"),
	GroupPatternCache: []byte("group_pattern_cache"),
}

// BoltBackend persists cache entries to a bbolt database, one bucket per
// namespace. Entries carry an expiry and BoltBackend.Get still returns
// expired rows untouched (Cache.Get is what evicts them, via Delete) so
// a read-only bolt view never needs a write transaction.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (or creates) the bbolt database at path and
// ensures every namespace bucket exists.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func (b *BoltBackend) Get(namespace Namespace, key string) (Entry, bool, error) {
	bucketName, ok := bucketNames[namespace]
	if !ok {
		return Entry{}, false, fmt.Errorf("unsupported namespace: %s", namespace)
	}

	var entry Entry
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

func (b *BoltBackend) Set(namespace Namespace, key string, entry Entry) error {
	bucketName, ok := bucketNames[namespace]
	if !ok {
		return fmt.Errorf("unsupported namespace: %s", namespace)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
}

func (b *BoltBackend) Delete(namespace Namespace, key string) error {
	bucketName, ok := bucketNames[namespace]
	if !ok {
		return fmt.Errorf("unsupported namespace: %s", namespace)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Stats returns the row count and approximate byte size of one namespace's
// bucket.
func (b *BoltBackend) Stats(namespace Namespace) (int, int64, error) {
	bucketName, ok := bucketNames[namespace]
	if !ok {
		return 0, 0, fmt.Errorf("unsupported namespace: %s", namespace)
	}
	var count int
	var bytes int64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			count++
			bytes += int64(len(k) + len(v))
			return nil
		})
	})
	return count, bytes, err
}

// Clear drops and recreates one namespace's bucket.
func (b *BoltBackend) Clear(namespace Namespace) error {
	bucketName, ok := bucketNames[namespace]
	if !ok {
		return fmt.Errorf("unsupported namespace: %s", namespace)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return fmt.Errorf("clearing bucket %s: %w", bucketName, err)
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
}
