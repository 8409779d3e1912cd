package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-control/pkg/exchanges/common"
)

// MultiUserManager holds one Manager per user and answers the risk gate's
// balance lookups.
type MultiUserManager struct {
	asset   string
	ttl     time.Duration
	initial float64 // served to users without an attached account; 0 disables

	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewMultiUserManager(asset string, ttl time.Duration, initial float64) *MultiUserManager {
	return &MultiUserManager{
		asset:    asset,
		ttl:      ttl,
		initial:  initial,
		managers: make(map[string]*Manager),
	}
}

// Attach binds the user's balance to reader, replacing any previous account.
func (m *MultiUserManager) Attach(userID string, reader common.BalanceReader) *Manager {
	mgr := NewManager(reader, m.asset, m.ttl)
	if reader == nil {
		mgr.SetInitialBalance(m.initial)
	}
	m.mu.Lock()
	m.managers[userID] = mgr
	m.mu.Unlock()
	return mgr
}

// Get returns the user's manager, or nil if none is attached.
func (m *MultiUserManager) Get(userID string) *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.managers[userID]
}

// Remove drops the user's account.
func (m *MultiUserManager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, userID)
}

// Balance satisfies risk.BalanceSource.
func (m *MultiUserManager) Balance(ctx context.Context, userID string) (float64, error) {
	mgr := m.Get(userID)
	if mgr == nil {
		if m.initial > 0 {
			return m.initial, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrNoAccount, userID)
	}
	return mgr.Get(ctx)
}

// UserCount returns the number of attached accounts.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}
