// Package history keeps the device's local log of shared clipboard content.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second
)

var (
	entriesBucket = []byte("entries")
	indexBucket   = []byte("index")
	appBucket     = []byte("app")
	deviceIDKey   = []byte("device_id")
)

// ErrNotFound is returned when no entry matches a receipt.
var ErrNotFound = errors.New("history entry not found")

// Kind says how content reached this device.
type Kind string

const (
	KindSent     Kind = "sent"
	KindReceived Kind = "received"
	KindCopied   Kind = "copied"
)

// Entry is one history record. Receipts is kept sorted and free of duplicates.
type Entry struct {
	ID        string    `json:"id"`
	ContentID string    `json:"contentId"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Receipts  []string  `json:"receipts,omitempty"`
}

// HasReceipt reports whether deviceID acknowledged the entry.
func (e Entry) HasReceipt(deviceID string) bool {
	i := sort.SearchStrings(e.Receipts, deviceID)
	return i < len(e.Receipts) && e.Receipts[i] == deviceID
}

// Store is a bounded history backed by bbolt. Entries are keyed by timestamp
// so iteration order is chronological; a secondary index on (kind, content id)
// enforces uniqueness.
type Store struct {
	db         *bolt.DB
	maxEntries int
}

// Open opens or creates the history database at path, keeping at most
// maxEntries entries.
func Open(path string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, indexBucket, appBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history db: %w", err)
	}

	return &Store{db: db, maxEntries: maxEntries}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(e Entry) []byte {
	key := make([]byte, 8, 8+len(e.ID))
	binary.BigEndian.PutUint64(key, uint64(e.Timestamp.UnixNano()))
	return append(key, e.ID...)
}

func indexKey(kind Kind, contentID string) []byte {
	return []byte(string(kind) + "\x00" + contentID)
}

// Append stores e unless an entry with the same content id and kind exists.
// It reports whether e was stored.
func (s *Store) Append(e Entry) (bool, error) {
	if e.ContentID == "" {
		return false, fmt.Errorf("entry has no content id")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		ik := indexKey(e.Kind, e.ContentID)
		if index.Get(ik) != nil {
			return nil
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := entryKey(e)
		if err := tx.Bucket(entriesBucket).Put(key, data); err != nil {
			return err
		}
		if err := index.Put(ik, key); err != nil {
			return err
		}
		added = true
		return s.prune(tx)
	})
	if err != nil {
		return false, fmt.Errorf("appending history entry: %w", err)
	}
	return added, nil
}

// prune drops the oldest entries beyond maxEntries.
func (s *Store) prune(tx *bolt.Tx) error {
	if s.maxEntries <= 0 {
		return nil
	}
	entries := tx.Bucket(entriesBucket)
	c := entries.Cursor()

	count := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - s.maxEntries
	if excess <= 0 {
		return nil
	}

	var stale [][]byte
	for k, v := c.First(); k != nil && len(stale) < excess; k, v = c.Next() {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if err := tx.Bucket(indexBucket).Delete(indexKey(e.Kind, e.ContentID)); err != nil {
			return err
		}
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := entries.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return out, nil
}

// Lookup returns the entry for a content id and kind.
func (s *Store) Lookup(contentID string, kind Kind) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(indexBucket).Get(indexKey(kind, contentID))
		if key == nil {
			return ErrNotFound
		}
		return json.Unmarshal(tx.Bucket(entriesBucket).Get(key), &e)
	})
	return e, err
}

// Clear removes every entry. The device id is kept.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, indexBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordReceipt notes that deviceID applied contentID. Receipts only attach
// to content that originated here, as sent or copied entries.
func (s *Store) RecordReceipt(contentID, deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		entries := tx.Bucket(entriesBucket)

		found := false
		for _, kind := range []Kind{KindSent, KindCopied} {
			key := index.Get(indexKey(kind, contentID))
			if key == nil {
				continue
			}
			found = true

			var e Entry
			if err := json.Unmarshal(entries.Get(key), &e); err != nil {
				return err
			}
			if e.HasReceipt(deviceID) {
				continue
			}
			e.Receipts = append(e.Receipts, deviceID)
			sort.Strings(e.Receipts)

			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := entries.Put(key, data); err != nil {
				return err
			}
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
}

// DeviceID returns this device's id, generating and storing it on first use.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}
	return id, nil
}
