// Package quarantine persists live payloads rejected at the ingestion
// boundary so they can be inspected later.
package quarantine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/smartcity/intersection/internal/domain"
)

var keyPrefix = []byte("rejected/")

// Store is a badger-backed domain.Quarantine
type Store struct {
	db *badger.DB
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("quarantine: failed to open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// key orders messages by rejection time, then id
func key(msg domain.RejectedMessage) []byte {
	k := make([]byte, 0, len(keyPrefix)+8+len(msg.ID))
	k = append(k, keyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(msg.RejectedAt.UnixNano()))
	return append(k, msg.ID...)
}

// Put stores one rejected message
func (s *Store) Put(msg domain.RejectedMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("quarantine: failed to encode message: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(msg), value)
	})
	if err != nil {
		return fmt.Errorf("quarantine: failed to store message: %w", err)
	}
	return nil
}

// List returns up to limit messages, newest first. A non-positive limit
// returns every message.
func (s *Store) List(limit int) ([]domain.RejectedMessage, error) {
	var out []domain.RejectedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key not above the seek key.
		seek := append(append([]byte(nil), keyPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(keyPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			err := it.Item().Value(func(v []byte) error {
				var msg domain.RejectedMessage
				if err := json.Unmarshal(v, &msg); err != nil {
					return err
				}
				out = append(out, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine: failed to list messages: %w", err)
	}
	return out, nil
}

// Count returns the number of stored messages
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("quarantine: failed to count messages: %w", err)
	}
	return n, nil
}
