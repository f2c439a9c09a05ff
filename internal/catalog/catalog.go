// Package catalog keeps a locally queryable product snapshot warm
// enough to serve offline lookups: a short-TTL memory tier above the
// durable snapshot, with a remote fetch as the last resort.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/rmestre/tillsync/internal/connectivity"
	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/models"
	"github.com/rmestre/tillsync/internal/remote"
)

// snapshotStore is the slice of the durable store the manager needs.
type snapshotStore interface {
	ReplaceProducts(products []*models.CachedProduct) error
	Products() ([]*models.CachedProduct, error)
	AdjustStock(id models.UUID, delta int) error
}

// Config holds catalog manager configuration.
type Config struct {
	Tenant string

	// MemoryTTL bounds the in-process tier. An entry older than the
	// window is treated as absent, not served.
	MemoryTTL time.Duration

	// MaxMemoryEntries bounds the in-process tier; larger snapshots
	// are served from the durable store only.
	MaxMemoryEntries int

	// FetchTimeout bounds remote catalog fetches.
	FetchTimeout time.Duration
}

// DefaultConfig returns the default catalog configuration.
func DefaultConfig(tenant string) *Config {
	return &Config{
		Tenant:           tenant,
		MemoryTTL:        5 * time.Minute,
		MaxMemoryEntries: 5000,
		FetchTimeout:     15 * time.Second,
	}
}

// Manager owns the product cache tiers. The memory tier is an explicit
// instance with its own TTL, never shared global state.
type Manager struct {
	config *Config
	store  snapshotStore
	remote remote.Store
	conn   connectivity.Provider

	mu         sync.Mutex
	memory     []*models.CachedProduct
	fetchedAt  time.Time
	refreshing bool
}

// NewManager creates a catalog Manager.
func NewManager(config *Config, store snapshotStore, remoteStore remote.Store, conn connectivity.Provider) *Manager {
	if config.MemoryTTL <= 0 {
		config.MemoryTTL = DefaultConfig(config.Tenant).MemoryTTL
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig(config.Tenant).FetchTimeout
	}
	return &Manager{
		config: config,
		store:  store,
		remote: remoteStore,
		conn:   conn,
	}
}

// Load returns the sellable products through the tier chain:
// memory (within TTL), durable snapshot, then a direct remote fetch
// when online. Serving from a cache tier while online schedules a
// fire-and-forget background re-fetch that never delays the caller.
// When every tier is unavailable the result is an empty catalog, not
// an error.
func (m *Manager) Load(ctx context.Context) []*models.CachedProduct {
	if products, ok := m.fromMemory(); ok {
		m.maybeBackgroundRefresh()
		return products
	}

	products, err := m.store.Products()
	if err != nil {
		logging.Warn("Durable product snapshot unreadable",
			map[string]interface{}{"error": err.Error()})
	} else if len(products) > 0 {
		m.fillMemory(products)
		m.maybeBackgroundRefresh()
		return products
	}

	if m.conn.Current().Online {
		fetched, err := m.fetchAndStore(ctx)
		if err == nil {
			return fetched
		}
		logging.Warn("Remote catalog fetch failed",
			map[string]interface{}{"error": err.Error()})
	}

	return []*models.CachedProduct{}
}

// Refresh performs an explicit bulk re-fetch, used by the sync flow
// and the manual "sync now" action.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.fetchAndStore(ctx)
	return err
}

// AdjustStock applies a relative stock change to both the durable
// snapshot and the memory tier, so reads inside the TTL window see the
// optimistic decrement.
func (m *Manager) AdjustStock(id models.UUID, delta int) error {
	if err := m.store.AdjustStock(id, delta); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.memory {
		if p.ID == id {
			p.Stock += delta
			if p.Stock < 0 {
				p.Stock = 0
			}
			break
		}
	}
	return nil
}

// Invalidate drops the memory tier; the next Load goes to the durable
// store.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = nil
	m.fetchedAt = time.Time{}
}

// fromMemory returns the memory tier when it is within the TTL window.
// Callers get copies: the tier's own structs are mutated by
// AdjustStock and must never be shared outside the lock.
func (m *Manager) fromMemory() ([]*models.CachedProduct, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memory == nil || time.Since(m.fetchedAt) >= m.config.MemoryTTL {
		return nil, false
	}
	return copyProducts(m.memory), true
}

// fillMemory installs a snapshot into the memory tier, honoring the
// size bound. The tier keeps its own copies so caller-held slices stay
// isolated from later stock adjustments.
func (m *Manager) fillMemory(products []*models.CachedProduct) {
	if m.config.MaxMemoryEntries > 0 && len(products) > m.config.MaxMemoryEntries {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = copyProducts(products)
	m.fetchedAt = time.Now()
}

// copyProducts clones product structs.
func copyProducts(products []*models.CachedProduct) []*models.CachedProduct {
	out := make([]*models.CachedProduct, len(products))
	for i, p := range products {
		cp := *p
		out[i] = &cp
	}
	return out
}

// fetchAndStore pulls the remote catalog and writes it back into the
// durable store and the memory tier.
func (m *Manager) fetchAndStore(ctx context.Context) ([]*models.CachedProduct, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	defer cancel()

	products, err := m.remote.QueryProducts(fetchCtx, m.config.Tenant)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	for _, p := range products {
		p.LastSync = now
	}

	if err := m.store.ReplaceProducts(products); err != nil {
		logging.Warn("Failed to persist product snapshot",
			map[string]interface{}{"error": err.Error()})
	}
	m.fillMemory(products)

	logging.Info("Product catalog refreshed",
		map[string]interface{}{"count": len(products)})
	return products, nil
}

// maybeBackgroundRefresh schedules a non-blocking re-fetch when online
// and no refresh is already in flight.
func (m *Manager) maybeBackgroundRefresh() {
	if !m.conn.Current().Online {
		return
	}

	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.refreshing = false
			m.mu.Unlock()
		}()

		if _, err := m.fetchAndStore(context.Background()); err != nil {
			logging.Debug("Background catalog refresh failed",
				map[string]interface{}{"error": err.Error()})
		}
	}()
}
