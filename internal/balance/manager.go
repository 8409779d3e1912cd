// Package balance caches account equity per user for the risk gate.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-control/pkg/exchanges/common"
)

var ErrNoAccount = errors.New("balance: no account attached")

// Manager caches one account's quote balance.
type Manager struct {
	reader common.BalanceReader
	asset  string
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	amount   float64
	lastSync time.Time
}

// NewManager creates a manager for reader. A nil reader makes the manager
// serve only what SetInitialBalance stored.
func NewManager(reader common.BalanceReader, asset string, ttl time.Duration) *Manager {
	return &Manager{
		reader: reader,
		asset:  asset,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sync fetches the latest balance from the exchange.
func (m *Manager) Sync(ctx context.Context) error {
	if m.reader == nil {
		return nil
	}
	amount, err := m.reader.GetBalance(ctx, m.asset)
	if err != nil {
		return fmt.Errorf("sync %s balance: %w", m.asset, err)
	}

	m.mu.Lock()
	m.amount = amount
	m.lastSync = m.now()
	m.mu.Unlock()
	return nil
}

// Get returns the cached balance, syncing first when it is older than the ttl.
func (m *Manager) Get(ctx context.Context) (float64, error) {
	m.mu.RLock()
	amount, fresh := m.amount, m.reader == nil || m.now().Sub(m.lastSync) < m.ttl
	m.mu.RUnlock()
	if fresh {
		return amount, nil
	}
	if err := m.Sync(ctx); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.amount, nil
}

// SetInitialBalance sets the balance of a reader-less (dry-run) account.
func (m *Manager) SetInitialBalance(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.amount = amount
	m.lastSync = m.now()
	log.Printf("[balance] 💰 initial balance set: %.2f %s", amount, m.asset)
}
