package balance

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingReader struct {
	calls  int
	amount float64
	err    error
}

func (r *countingReader) GetBalance(context.Context, string) (float64, error) {
	r.calls++
	return r.amount, r.err
}

func TestManagerCachesWithinTTL(t *testing.T) {
	r := &countingReader{amount: 500}
	m := NewManager(r, "USDT", time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := m.Get(ctx)
		if err != nil || got != 500 {
			t.Fatalf("Get: %v %v", got, err)
		}
	}
	if r.calls != 1 {
		t.Fatalf("expected 1 exchange call, got %d", r.calls)
	}

	r.amount = 450
	now = now.Add(2 * time.Minute)
	if got, _ := m.Get(ctx); got != 450 {
		t.Errorf("expected refreshed balance 450, got %v", got)
	}
	if r.calls != 2 {
		t.Errorf("expected 2 exchange calls, got %d", r.calls)
	}
}

func TestManagerSyncError(t *testing.T) {
	r := &countingReader{err: errors.New("timeout")}
	m := NewManager(r, "USDT", time.Minute)
	if _, err := m.Get(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestMultiUserBalance(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		initial float64
		attach  bool
		reader  *countingReader
		want    float64
		wantErr error
	}{
		{"no account no fallback", 0, false, nil, 0, ErrNoAccount},
		{"fallback to initial", 1000, false, nil, 1000, nil},
		{"attached reader", 1000, true, &countingReader{amount: 250}, 250, nil},
		{"attached without reader uses initial", 800, true, nil, 800, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMultiUserManager("USDT", time.Minute, tt.initial)
			if tt.attach {
				if tt.reader != nil {
					m.Attach("u1", tt.reader)
				} else {
					m.Attach("u1", nil)
				}
			}
			got, err := m.Balance(ctx, "u1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v, expected %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("balance=%v, expected %v", got, tt.want)
			}
		})
	}
}
