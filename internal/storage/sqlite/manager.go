package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/pkg/chain"
)

// StoreManager manages multiple GroupStore instances with caching.
type StoreManager struct {
	basePath string
	stores   map[string]*GroupStore // groupID -> store
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[string]*GroupStore),
	}
}

// GetStore returns the GroupStore for the given group.
// Stores are cached and reused.
func (m *StoreManager) GetStore(groupID string) (*GroupStore, error) {
	// Check cache first
	m.mu.RLock()
	if store, ok := m.stores[groupID]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[groupID]; ok {
		return store, nil
	}

	store, err := OpenGroupStore(m.basePath, groupID)
	if err != nil {
		return nil, err
	}

	m.stores[groupID] = store
	return store, nil
}

// GetChainStore returns the store for groupID as a storage.ChainStore.
func (m *StoreManager) GetChainStore(groupID string) (storage.ChainStore, error) {
	return m.GetStore(groupID)
}

// ListGroupIDs returns the ids of every group with a database on disk.
func (m *StoreManager) ListGroupIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.basePath, "groups"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !chain.ValidGroupID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.basePath, "groups", e.Name(), "chain.db")); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[string]*GroupStore)
	return errors.Join(errs...)
}

// BasePath returns the base path for group storage.
func (m *StoreManager) BasePath() string {
	return m.basePath
}
