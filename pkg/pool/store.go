package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vesselworks/flotilla/pkg/types"
)

var bucketVMs = []byte("vms")

// Store persists pool records in a local bbolt database. It is the only
// durable state the orchestrator owns; everything else is recomputed or
// lives on the marketplace.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the pool database under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "flotilla.db")

	// The lock timeout makes a second process (a one-shot CLI command
	// while serve holds the database) fail instead of blocking forever.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open pool database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVMs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a pool record.
func (s *Store) Put(vm *types.PooledVM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		data, err := json.Marshal(vm)
		if err != nil {
			return err
		}
		return b.Put([]byte(vm.ID), data)
	})
}

// Get retrieves a pool record by ID.
func (s *Store) Get(id string) (*types.PooledVM, error) {
	var vm types.PooledVM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pool vm not found: %s", id)
		}
		return json.Unmarshal(data, &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// List returns all pool records.
func (s *Store) List() ([]*types.PooledVM, error) {
	var vms []*types.PooledVM
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		return b.ForEach(func(k, v []byte) error {
			var vm types.PooledVM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

// Delete removes a pool record. Deleting an absent ID is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMs)
		return b.Delete([]byte(id))
	})
}
