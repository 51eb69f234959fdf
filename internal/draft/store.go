package draft

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/rackdesk/rackdesk/internal/models"
)

// Persisted key names. The values mirror what the setup wizard needs to
// survive a restart: the draft itself, the wizard position, the
// completed/skipped sentinels and the last active discovery session.
const (
	keySetupResources   = "setup_resources"
	keySetupCurrentStep = "setup_current_step"
	keySetupCompleted   = "setup_completed"
	keySetupSkipped     = "setup_skipped"
	keyActiveDiscovery  = "active_discovery_session"
)

// SetupStore is the durable local copy of the setup wizard state, backed
// by an embedded badger database.
type SetupStore struct {
	db *badger.DB
}

// OpenSetupStore opens (or creates) the store at dir.
func OpenSetupStore(dir string) (*SetupStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening setup store at %s: %w", dir, err)
	}
	return &SetupStore{db: db}, nil
}

// OpenInMemorySetupStore opens a store with no disk persistence, for tests.
func OpenInMemorySetupStore() (*SetupStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory setup store: %w", err)
	}
	return &SetupStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SetupStore) Close() error {
	return s.db.Close()
}

func (s *SetupStore) set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// get returns (nil, nil) for a missing key.
func (s *SetupStore) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SetupStore) delete(keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

// SaveResources writes the full draft state.
func (s *SetupStore) SaveResources(state models.SetupState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding setup state: %w", err)
	}
	return s.set(keySetupResources, data)
}

// LoadResources reads the draft state. Returns (nil, nil) when nothing was
// ever saved.
func (s *SetupStore) LoadResources() (*models.SetupState, error) {
	data, err := s.get(keySetupResources)
	if err != nil {
		return nil, fmt.Errorf("reading setup state: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var state models.SetupState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding setup state: %w", err)
	}
	return &state, nil
}

// ClearResources removes the draft and the wizard position, e.g. after a
// successful commit.
func (s *SetupStore) ClearResources() error {
	return s.delete(keySetupResources, keySetupCurrentStep)
}

// SetCurrentStep records the wizard position.
func (s *SetupStore) SetCurrentStep(step string) error {
	return s.set(keySetupCurrentStep, []byte(step))
}

// CurrentStep returns the recorded wizard position, or "" when unset.
func (s *SetupStore) CurrentStep() (string, error) {
	data, err := s.get(keySetupCurrentStep)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetCompleted marks the setup wizard as finished.
func (s *SetupStore) SetCompleted() error {
	return s.set(keySetupCompleted, []byte("true"))
}

// SetSkipped marks the setup wizard as explicitly skipped.
func (s *SetupStore) SetSkipped() error {
	return s.set(keySetupSkipped, []byte("true"))
}

// Completed reports whether the wizard finished.
func (s *SetupStore) Completed() (bool, error) {
	data, err := s.get(keySetupCompleted)
	if err != nil {
		return false, err
	}
	return string(data) == "true", nil
}

// Skipped reports whether the wizard was skipped.
func (s *SetupStore) Skipped() (bool, error) {
	data, err := s.get(keySetupSkipped)
	if err != nil {
		return false, err
	}
	return string(data) == "true", nil
}

// SetActiveDiscoverySession remembers the running discovery session id so
// recovery after a restart can short-circuit.
func (s *SetupStore) SetActiveDiscoverySession(id string) error {
	return s.set(keyActiveDiscovery, []byte(id))
}

// ActiveDiscoverySession returns the remembered session id, or "".
func (s *SetupStore) ActiveDiscoverySession() (string, error) {
	data, err := s.get(keyActiveDiscovery)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ClearActiveDiscoverySession forgets the remembered session id.
func (s *SetupStore) ClearActiveDiscoverySession() error {
	return s.delete(keyActiveDiscovery)
}
