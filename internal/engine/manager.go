package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-control/internal/autotrade"
	"trading-control/internal/balance"
	"trading-control/internal/events"
	"trading-control/internal/monitor"
	"trading-control/internal/notify"
	"trading-control/internal/portfolio"
	"trading-control/internal/quoting"
	"trading-control/internal/settings"
	"trading-control/pkg/exchanges/common"
)

var (
	ErrAlreadyRunning = errors.New("engine: already running")
	ErrShuttingDown   = errors.New("engine: shutting down")
	ErrStopped        = errors.New("engine: stopped while starting")
)

// VenueSource resolves a user's exchange; *gateway.Manager implements it.
type VenueSource interface {
	Exchange(ctx context.Context, userID string) (common.Exchange, error)
}

// Config holds the collaborators every session is built from.
type Config struct {
	Venues    VenueSource
	Settings  settings.Provider
	Balances  *balance.MultiUserManager
	Book      *portfolio.Book
	AutoTrade autotrade.Deps
	Quoting   quoting.Deps
	Notifier  notify.Publisher
	Metrics   *monitor.Metrics
}

type sessionKey struct {
	userID string
	kind   Kind
}

// session is one live loop. A placeholder (starting) reserves the key while
// the venue is resolved so concurrent starts cannot both win.
type session struct {
	kind      Kind
	symbol    string
	period    time.Duration
	startedAt time.Time

	starting bool
	aborted  bool // stop arrived during start
	stopped  bool

	stop     func()
	snapshot func() (running bool, detail any)
}

// Manager is the lifecycle manager.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[sessionKey]*session
	loaded   map[string]bool // users whose positions were read from the store
	closing  bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.Settings == nil {
		cfg.Settings = cfg.AutoTrade.Settings
	}
	if cfg.Quoting.Inventory == nil {
		cfg.Quoting.Inventory = quoting.NewInventories()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[sessionKey]*session),
		loaded:   make(map[string]bool),
	}
}

func (m *Manager) StartAutoTrade(ctx context.Context, userID, symbol string, period time.Duration) error {
	if period <= 0 {
		period = autotrade.DefaultPeriod
	}
	return m.start(ctx, userID, KindAutoTrade, symbol, period, func(ex common.Exchange, s *session) error {
		l := autotrade.New(userID, m.cfg.AutoTrade)
		l.Attach(ex)
		if err := l.Start(s.symbol, s.period); err != nil {
			return err
		}
		s.stop = l.Stop
		s.snapshot = func() (bool, any) {
			st := l.Status()
			return st.Running, st
		}
		return nil
	})
}

func (m *Manager) StopAutoTrade(userID string) {
	m.stop(userID, KindAutoTrade, "requested")
}

func (m *Manager) AutoTradeStatus(userID string) Status {
	return m.status(userID, KindAutoTrade)
}

func (m *Manager) StartQuoting(ctx context.Context, userID, symbol string, period time.Duration) error {
	if period <= 0 {
		period = quoting.DefaultPeriod
	}
	return m.start(ctx, userID, KindQuoting, symbol, period, func(ex common.Exchange, s *session) error {
		deps := m.cfg.Quoting
		deps.OnHalt = func(userID, reason string) { m.halt(userID, s, reason) }
		l := quoting.New(userID, deps)
		l.Attach(ex)
		if err := l.Start(s.symbol, s.period); err != nil {
			return err
		}
		s.stop = l.Stop
		s.snapshot = func() (bool, any) {
			st := l.Status()
			return st.Running, st
		}
		return nil
	})
}

func (m *Manager) StopQuoting(userID string) {
	m.stop(userID, KindQuoting, "requested")
}

func (m *Manager) QuotingStatus(userID string) Status {
	return m.status(userID, KindQuoting)
}

// StopAll stops both loops of a user. It is the risk gate's pause handler.
func (m *Manager) StopAll(userID, reason string) {
	log.Printf("[engine] stopping all sessions for user %s: %s", userID, reason)
	m.stop(userID, KindAutoTrade, reason)
	m.stop(userID, KindQuoting, reason)
}

// Shutdown stops every session in parallel and refuses new starts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	keys := make([]sessionKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k sessionKey) {
			defer wg.Done()
			m.stop(k.userID, k.kind, "shutdown")
		}(k)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[engine] shutdown complete, %d sessions stopped", len(keys))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (m *Manager) start(ctx context.Context, userID string, kind Kind, symbol string, period time.Duration, launch func(common.Exchange, *session) error) error {
	k := sessionKey{userID: userID, kind: kind}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if prev, ok := m.sessions[k]; ok && (prev.starting || prev.live()) {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	placeholder := &session{kind: kind, starting: true}
	m.sessions[k] = placeholder
	m.mu.Unlock()

	s, err := m.launch(ctx, userID, kind, symbol, period, launch)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, k)
		m.mu.Unlock()
		return err
	}
	if placeholder.aborted || m.closing {
		delete(m.sessions, k)
		m.mu.Unlock()
		s.stop()
		return ErrStopped
	}
	m.sessions[k] = s
	m.mu.Unlock()

	m.cfg.Metrics.EngineStarted(string(kind))
	m.publish(events.TopicEngineStarted, userID, s, "")
	log.Printf("[engine] %s started for user %s on %s", kind, userID, s.symbol)
	return nil
}

// launch does the I/O of a start outside the manager lock.
func (m *Manager) launch(ctx context.Context, userID string, kind Kind, symbol string, period time.Duration, run func(common.Exchange, *session) error) (*session, error) {
	if symbol == "" {
		doc, err := m.cfg.Settings.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		symbol = doc.Symbol
	}
	if m.cfg.Venues == nil {
		return nil, fmt.Errorf("%s: no venue source", kind)
	}
	ex, err := m.cfg.Venues.Exchange(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve exchange: %w", err)
	}
	if br, ok := ex.(common.BalanceReader); ok && m.cfg.Balances != nil {
		m.cfg.Balances.Attach(userID, br)
	}
	m.loadPositions(ctx, userID)

	s := &session{kind: kind, symbol: symbol, period: period, startedAt: time.Now()}
	if err := run(ex, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) loadPositions(ctx context.Context, userID string) {
	if m.cfg.Book == nil {
		return
	}
	m.mu.Lock()
	done := m.loaded[userID]
	m.loaded[userID] = true
	m.mu.Unlock()
	if done {
		return
	}
	if err := m.cfg.Book.Load(ctx, userID); err != nil {
		log.Printf("[engine] load positions for user %s: %v", userID, err)
	}
}

func (m *Manager) stop(userID string, kind Kind, reason string) {
	k := sessionKey{userID: userID, kind: kind}
	m.mu.Lock()
	s, ok := m.sessions[k]
	if !ok || s.stopped {
		m.mu.Unlock()
		return
	}
	if s.starting {
		s.aborted = true
		m.mu.Unlock()
		return
	}
	s.stopped = true
	m.mu.Unlock()

	s.stop()
	m.cfg.Metrics.EngineStopped(string(kind))
	m.publish(events.TopicEngineStopped, userID, s, reason)
	log.Printf("[engine] %s stopped for user %s (%s)", kind, userID, reason)
}

// halt stops s on behalf of its own loop, unless s was already replaced.
// A halt that lands while s is still starting aborts the start.
func (m *Manager) halt(userID string, s *session, reason string) {
	k := sessionKey{userID: userID, kind: s.kind}
	m.mu.Lock()
	cur, ok := m.sessions[k]
	if ok && cur.starting {
		cur.aborted = true
	}
	m.mu.Unlock()
	if ok && cur == s {
		m.stop(userID, s.kind, reason)
	}
}

func (m *Manager) status(userID string, kind Kind) Status {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey{userID: userID, kind: kind}]
	if !ok || s.starting {
		m.mu.Unlock()
		return Status{Kind: kind}
	}
	stopped := s.stopped
	m.mu.Unlock()

	running, detail := s.snapshot()
	started := s.startedAt
	return Status{
		Kind:      kind,
		Running:   running && !stopped,
		HasEngine: true,
		Symbol:    s.symbol,
		PeriodMs:  s.period.Milliseconds(),
		StartedAt: &started,
		Detail:    detail,
	}
}

// live reports whether a non-placeholder session still runs. Caller holds m.mu.
func (s *session) live() bool {
	if s.stopped || s.snapshot == nil {
		return false
	}
	running, _ := s.snapshot()
	return running
}

func (m *Manager) publish(topic events.Topic, userID string, s *session, reason string) {
	payload := map[string]any{
		"kind":      s.kind,
		"symbol":    s.symbol,
		"period_ms": s.period.Milliseconds(),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	m.cfg.Notifier.Publish(events.Message{
		Topic:   topic,
		UserID:  userID,
		Engine:  string(s.kind),
		Symbol:  s.symbol,
		Payload: payload,
	})
}
