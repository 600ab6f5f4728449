package tracking

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerResumeStore keeps the resume flag in a local badger database so a
// restarted agent can pick tracking back up.
type BadgerResumeStore struct {
	db  *badger.DB
	key []byte
}

// OpenBadgerResumeStore opens the store under dir. An empty dir keeps the flag in memory.
func OpenBadgerResumeStore(dir, supplierID string) (*BadgerResumeStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	return &BadgerResumeStore{db: db, key: []byte("tracking/resume/" + supplierID)}, nil
}

func (s *BadgerResumeStore) Load() (bool, error) {
	var active bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		active = len(val) == 1 && val[0] == 1
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read resume flag: %w", err)
	}
	return active, nil
}

func (s *BadgerResumeStore) Save(active bool) error {
	val := []byte{0}
	if active {
		val[0] = 1
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, val)
	}); err != nil {
		return fmt.Errorf("write resume flag: %w", err)
	}
	return nil
}

func (s *BadgerResumeStore) Close() error { return s.db.Close() }

// MemoryResumeStore is a process-local ResumeStore.
type MemoryResumeStore struct {
	mu     sync.Mutex
	active bool
}

func NewMemoryResumeStore() *MemoryResumeStore { return &MemoryResumeStore{} }

func (m *MemoryResumeStore) Load() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *MemoryResumeStore) Save(active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
	return nil
}
