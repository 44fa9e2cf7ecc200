package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketShared = []byte("shared")

// ErrEmptyPath is returned when a bolt store is created without a file path.
var ErrEmptyPath = errors.New("storage: empty bolt path")

// pathLocks serialises handles of the same file inside one process; bolt's flock
// does the same across processes.
var pathLocks sync.Map

// BoltStore is a SharedStore backed by a bbolt file. The file is opened for every
// operation so that other processes on the host can take their turn.
type BoltStore struct {
	path    string
	timeout time.Duration
	mu      *sync.Mutex
}

// NewBoltStore prepares a store at path. openTimeout bounds the wait for the file lock.
func NewBoltStore(path string, openTimeout time.Duration) (*BoltStore, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if openTimeout <= 0 {
		openTimeout = time.Second
	}
	m, _ := pathLocks.LoadOrStore(abs, &sync.Mutex{})
	s := &BoltStore{path: abs, timeout: openTimeout, mu: m.(*sync.Mutex)}

	// create the bucket up front so read transactions never see a missing bucket
	if err := s.update(func(b *bolt.Bucket) error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the absolute file path of the store.
func (s *BoltStore) Path() string { return s.path }

func (s *BoltStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (s *BoltStore) update(fn func(b *bolt.Bucket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketShared)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketShared, err)
		}
		return fn(b)
	})
}

// Get returns the value stored under key.
func (s *BoltStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return "", false, err
	}
	defer db.Close()

	var (
		value string
		found bool
	)
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShared)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, found, nil
}

// Set stores value under key.
func (s *BoltStore) Set(key, value string) error {
	if err := s.update(func(b *bolt.Bucket) error {
		return b.Put([]byte(key), []byte(value))
	}); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BoltStore) Delete(key string) error {
	if err := s.update(func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
