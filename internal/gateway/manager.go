// Package gateway resolves a user's exchange venue from their stored
// connection, decrypting the keys and caching one venue per user.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-control/pkg/crypto"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
)

var (
	ErrNoCredentials = errors.New("gateway: no exchange credentials")
	ErrUnsupported   = errors.New("gateway: unsupported exchange type")
)

// ConnectionSource is the part of *db.UserQueries the manager reads.
type ConnectionSource interface {
	GetActiveConnection(ctx context.Context, userID string) (*db.Connection, error)
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize     int           // cached venues before LRU eviction
	IdleTimeout time.Duration // unused venues are dropped after this
	DryRun      bool          // every user trades on a paper venue
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     100,
		IdleTimeout: 30 * time.Minute,
	}
}

type cachedVenue struct {
	exchange     common.Exchange
	connectionID string
	exchangeType string
	createdAt    time.Time
	lastUsed     time.Time
}

// PoolStats contains venue cache statistics.
type PoolStats struct {
	Total          int            `json:"total"`
	MaxSize        int            `json:"max_size"`
	ByExchangeType map[string]int `json:"by_exchange_type"`
}

// Manager caches venues by user id.
type Manager struct {
	mu       sync.Mutex
	venues   map[string]*cachedVenue
	lruOrder []string // oldest first

	cfg     Config
	keys    *crypto.Keyring
	conns   ConnectionSource
	factory Factory
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(conns ConnectionSource, keys *crypto.Keyring, factory Factory, cfg Config) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Manager{
		venues:  make(map[string]*cachedVenue),
		cfg:     cfg,
		keys:    keys,
		conns:   conns,
		factory: factory,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start runs idle cleanup until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Stop ends cleanup and closes every cached venue.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	venues := m.venues
	m.venues = make(map[string]*cachedVenue)
	m.lruOrder = nil
	m.mu.Unlock()
	for _, v := range venues {
		closeVenue(v.exchange)
	}
}

// Exchange returns the user's venue, creating it from their active connection.
func (m *Manager) Exchange(ctx context.Context, userID string) (common.Exchange, error) {
	m.mu.Lock()
	if v, ok := m.venues[userID]; ok {
		m.touchLocked(userID)
		m.mu.Unlock()
		return v.exchange, nil
	}
	m.mu.Unlock()

	conn, creds, err := m.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	ex, err := m.factory(conn, creds)
	if err != nil {
		return nil, fmt.Errorf("create %s venue: %w", conn.ExchangeType, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have won the race.
	if v, ok := m.venues[userID]; ok {
		closeVenue(ex)
		m.touchLocked(userID)
		return v.exchange, nil
	}
	for len(m.venues) >= m.cfg.MaxSize && m.evictOldestLocked() {
	}
	now := m.now()
	m.venues[userID] = &cachedVenue{
		exchange:     ex,
		connectionID: conn.ID,
		exchangeType: conn.ExchangeType,
		createdAt:    now,
		lastUsed:     now,
	}
	m.lruOrder = append(m.lruOrder, userID)
	log.Printf("[gateway] created %s venue for user %s", conn.ExchangeType, userID)
	return ex, nil
}

func (m *Manager) resolve(ctx context.Context, userID string) (db.Connection, Credentials, error) {
	if m.cfg.DryRun {
		return db.Connection{ID: "paper-" + userID, UserID: userID, ExchangeType: TypePaper}, Credentials{}, nil
	}
	if m.conns == nil {
		return db.Connection{}, Credentials{}, ErrNoCredentials
	}
	conn, err := m.conns.GetActiveConnection(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return db.Connection{}, Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return db.Connection{}, Credentials{}, fmt.Errorf("load connection: %w", err)
	}
	if conn.ExchangeType == TypePaper {
		return *conn, Credentials{}, nil
	}
	if m.keys == nil || conn.APIKeyEncrypted == "" || conn.APISecretEncrypted == "" {
		return db.Connection{}, Credentials{}, ErrNoCredentials
	}
	key, err := m.keys.Open(userID, conn.APIKeyEncrypted)
	if err != nil {
		return db.Connection{}, Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := m.keys.Open(userID, conn.APISecretEncrypted)
	if err != nil {
		return db.Connection{}, Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return *conn, Credentials{APIKey: key, APISecret: secret}, nil
}

// Invalidate drops the user's cached venue, e.g. after their keys change.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	v, ok := m.venues[userID]
	if ok {
		delete(m.venues, userID)
		m.removeLRULocked(userID)
	}
	m.mu.Unlock()
	if ok {
		closeVenue(v.exchange)
	}
}

// Stats returns current cache statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{
		Total:          len(m.venues),
		MaxSize:        m.cfg.MaxSize,
		ByExchangeType: make(map[string]int),
	}
	for _, v := range m.venues {
		stats.ByExchangeType[v.exchangeType]++
	}
	return stats
}

func (m *Manager) touchLocked(userID string) {
	if v, ok := m.venues[userID]; ok {
		v.lastUsed = m.now()
	}
	m.removeLRULocked(userID)
	m.lruOrder = append(m.lruOrder, userID)
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	m.lruOrder = m.lruOrder[1:]
	if v, ok := m.venues[oldest]; ok {
		closeVenue(v.exchange)
		delete(m.venues, oldest)
	}
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var idle []common.Exchange
	for id, v := range m.venues {
		if v.lastUsed.Before(cutoff) {
			idle = append(idle, v.exchange)
			delete(m.venues, id)
			m.removeLRULocked(id)
		}
	}
	m.mu.Unlock()
	for _, ex := range idle {
		closeVenue(ex)
	}
}

func closeVenue(ex common.Exchange) {
	if closer, ok := ex.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
