package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket and key names for the bbolt backend
const (
	StateBucket = "decision_state"
	stateKey    = "current"
)

// BoltStore keeps the state in a bbolt database. Each save is a single
// read-write transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(StateBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Load reads the stored record
func (bs *BoltStore) Load() (*Record, error) {
	var data []byte
	if err := bs.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(StateBucket)).Get([]byte(stateKey)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &r, nil
}

// Save writes the record in one transaction
func (bs *BoltStore) Save(r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(StateBucket)).Put([]byte(stateKey), data)
	})
}

// Close closes the database
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}
