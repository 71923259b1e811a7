package router

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/finsight/tierstore/internal/storage"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketAccess = []byte("access")

// AccessEntry is the per-key routing state the tracker persists: which
// class currently holds the record, how often it has been read since the
// last placement change, and when it was last touched.
type AccessEntry struct {
	Class      storage.Class
	Hits       int
	LastAccess time.Time
	Size       int64
}

// Tracker is the durable access log backing promotion and demotion
// decisions. It survives restarts so idle keys accumulated before a
// crash still demote on schedule.
type Tracker struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewTracker opens or creates the bbolt database at path.
func NewTracker(path string, noSync bool, logger *zap.Logger) (*Tracker, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("opening tracker db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccess)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating access bucket: %w", err)
	}

	return &Tracker{db: db, logger: logger}, nil
}

func encodeEntry(entry *AccessEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*AccessEntry, error) {
	var entry AccessEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get returns the entry for key, or nil when the key is untracked.
func (t *Tracker) Get(key string) (*AccessEntry, error) {
	var entry *AccessEntry
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAccess).Get([]byte(key))
		if data == nil {
			return nil
		}
		var err error
		entry, err = decodeEntry(data)
		return err
	})
	return entry, err
}

// RecordHit bumps the hit counter for key in class and returns the new
// count. A hit on a key tracked under a different class restarts the
// counter: hits only accumulate toward promotion from one placement.
func (t *Tracker) RecordHit(key string, class storage.Class) (int, error) {
	var hits int
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccess)

		entry := &AccessEntry{Class: class}
		if data := b.Get([]byte(key)); data != nil {
			if decoded, err := decodeEntry(data); err == nil && decoded.Class == class {
				entry = decoded
			}
		}
		entry.Hits++
		entry.LastAccess = time.Now()
		hits = entry.Hits

		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	return hits, err
}

// RecordWrite registers a fresh placement of key in class, resetting the
// hit counter.
func (t *Tracker) RecordWrite(key string, class storage.Class, size int64) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		entry := &AccessEntry{
			Class:      class,
			LastAccess: time.Now(),
			Size:       size,
		}
		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAccess).Put([]byte(key), data)
	})
}

// SetClass moves the tracked placement of key to class, preserving the
// recorded size and resetting hits.
func (t *Tracker) SetClass(key string, class storage.Class) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAccess)

		entry := &AccessEntry{Class: class, LastAccess: time.Now()}
		if data := b.Get([]byte(key)); data != nil {
			if decoded, err := decodeEntry(data); err == nil {
				entry.Size = decoded.Size
			}
		}

		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete forgets a key. Deleting an untracked key is a no-op.
func (t *Tracker) Delete(key string) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccess).Delete([]byte(key))
	})
}

// List returns every tracked key with its entry.
func (t *Tracker) List() (map[string]AccessEntry, error) {
	out := make(map[string]AccessEntry)
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccess).ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				t.logger.Warn("skipping corrupt tracker entry", zap.String("key", string(k)), zap.Error(err))
				return nil
			}
			out[string(k)] = *entry
			return nil
		})
	})
	return out, err
}

// Ping verifies the database is readable.
func (t *Tracker) Ping() error {
	return t.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketAccess) == nil {
			return fmt.Errorf("access bucket missing")
		}
		return nil
	})
}

func (t *Tracker) Close() error {
	return t.db.Close()
}
