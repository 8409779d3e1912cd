package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-control/pkg/crypto"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/common"
	"trading-control/pkg/exchanges/paper"
)

type recordingFactory struct {
	mu    sync.Mutex
	calls []Credentials
}

func (f *recordingFactory) build(conn db.Connection, creds Credentials) (common.Exchange, error) {
	f.mu.Lock()
	f.calls = append(f.calls, creds)
	f.mu.Unlock()
	return paper.New(paper.Config{InitialBalance: 100}), nil
}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func openTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func storeConnection(t *testing.T, q *db.UserQueries, kr *crypto.Keyring, owner, userID, key, secret string) {
	t.Helper()
	encKey, err := kr.Seal(owner, key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	encSecret, err := kr.Seal(owner, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	err = q.CreateConnection(context.Background(), db.Connection{
		ID:                 "conn-" + userID,
		UserID:             userID,
		ExchangeType:       TypeBinanceSpot,
		Name:               "main",
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
}

func TestExchangeDecryptsActiveConnection(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	kr, err := crypto.KeyringFromSecret("test-master-key")
	if err != nil {
		t.Fatalf("KeyringFromSecret: %v", err)
	}
	storeConnection(t, q, kr, "u1", "u1", "key-1", "secret-1")
	storeConnection(t, q, kr, "someone-else", "u2", "key-2", "secret-2")

	f := &recordingFactory{}
	m := NewManager(q, kr, f.build, DefaultConfig())
	ctx := context.Background()

	ex, err := m.Exchange(ctx, "u1")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if f.calls[0] != (Credentials{APIKey: "key-1", APISecret: "secret-1"}) {
		t.Errorf("factory got %+v", f.calls[0])
	}

	again, err := m.Exchange(ctx, "u1")
	if err != nil || again != ex {
		t.Errorf("expected cached venue, got %v (err %v)", again, err)
	}
	if f.count() != 1 {
		t.Errorf("factory called %d times, expected 1", f.count())
	}

	t.Run("keys sealed for another user do not open", func(t *testing.T) {
		if _, err := m.Exchange(ctx, "u2"); !errors.Is(err, crypto.ErrDecryptionFailed) {
			t.Errorf("expected ErrDecryptionFailed, got %v", err)
		}
	})

	t.Run("no connection", func(t *testing.T) {
		if _, err := m.Exchange(ctx, "u3"); !errors.Is(err, ErrNoCredentials) {
			t.Errorf("expected ErrNoCredentials, got %v", err)
		}
	})
}

func TestDryRunUsesPaperWithoutConnections(t *testing.T) {
	f := &recordingFactory{}
	m := NewManager(nil, nil, f.build, Config{DryRun: true})

	if _, err := m.Exchange(context.Background(), "u1"); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if f.calls[0] != (Credentials{}) {
		t.Errorf("dry run should not carry credentials, got %+v", f.calls[0])
	}
	if got := m.Stats().ByExchangeType[TypePaper]; got != 1 {
		t.Errorf("paper venues=%d, expected 1", got)
	}
}

func TestEvictionAndInvalidate(t *testing.T) {
	f := &recordingFactory{}
	m := NewManager(nil, nil, f.build, Config{DryRun: true, MaxSize: 2})
	ctx := context.Background()

	for _, u := range []string{"a", "b", "a", "c"} {
		if _, err := m.Exchange(ctx, u); err != nil {
			t.Fatalf("Exchange(%s): %v", u, err)
		}
	}
	// "b" was least recently used when "c" arrived
	if got := m.Stats().Total; got != 2 {
		t.Fatalf("cached=%d, expected 2", got)
	}
	if _, ok := m.venues["b"]; ok {
		t.Error("b should have been evicted")
	}

	m.Invalidate("a")
	if _, err := m.Exchange(ctx, "a"); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if f.count() != 4 {
		t.Errorf("factory called %d times, expected 4", f.count())
	}
}

func TestCleanupIdle(t *testing.T) {
	f := &recordingFactory{}
	m := NewManager(nil, nil, f.build, Config{DryRun: true, IdleTimeout: time.Minute})
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.Exchange(context.Background(), "u1")
	clock = clock.Add(2 * time.Minute)
	m.cleanupIdle()

	if got := m.Stats().Total; got != 0 {
		t.Errorf("cached=%d after idle cleanup, expected 0", got)
	}
}

func TestDefaultFactory(t *testing.T) {
	build := DefaultFactory(FactoryOptions{Paper: paper.Config{InitialBalance: 10}})

	tests := []struct {
		name    string
		conn    db.Connection
		creds   Credentials
		wantErr error
	}{
		{"spot without keys", db.Connection{ExchangeType: TypeBinanceSpot}, Credentials{}, ErrNoCredentials},
		{"spot with keys", db.Connection{ExchangeType: TypeBinanceSpot}, Credentials{APIKey: "k", APISecret: "s"}, nil},
		{"paper", db.Connection{ExchangeType: TypePaper}, Credentials{}, nil},
		{"unknown", db.Connection{ExchangeType: "kraken"}, Credentials{}, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := build(tt.conn, tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if err == nil && ex == nil {
				t.Error("expected a venue")
			}
		})
	}
}
