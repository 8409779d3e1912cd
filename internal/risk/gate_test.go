package risk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trading-control/internal/settings"
)

type fakePositions map[string]float64

func (f fakePositions) Position(userID, symbol string) float64 { return f[userID+"/"+symbol] }

type fakeBalances struct {
	mu      sync.Mutex
	balance float64
	err     error
}

func (f *fakeBalances) Balance(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.err
}

func (f *fakeBalances) set(v float64) {
	f.mu.Lock()
	f.balance = v
	f.mu.Unlock()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testSettings(userID string) settings.Settings {
	s := settings.Defaults(userID)
	s.MaxPos = 10
	s.PerTradeRiskPct = 0
	s.MaxLossPct = 0
	s.MaxDrawdownPct = 0
	return s
}

func newTestGate(docs ...settings.Settings) (*Gate, *settings.Memory, *fakeBalances, *clock, fakePositions) {
	mem := settings.NewMemory(docs...)
	bal := &fakeBalances{balance: 1000}
	pos := fakePositions{}
	g := NewGate(DefaultConfig(), mem, pos, bal, nil)
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	g.now = c.now
	return g, mem, bal, c, pos
}

func pauseRecorder(g *Gate) <-chan string {
	ch := make(chan string, 4)
	g.SetPauseHandler(func(userID, reason string) { ch <- userID + ": " + reason })
	return ch
}

func expectPause(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("pause handler was not called")
	}
	return ""
}

func TestCanTradeRequiresSettings(t *testing.T) {
	g, _, _, _, _ := newTestGate()
	d := g.CanTrade(context.Background(), Request{UserID: "ghost", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100})
	if d.Allowed || d.Reason != "No settings found" || d.Check != CheckSettings {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestCanTradeManualPause(t *testing.T) {
	s := testSettings("u1")
	s.Status = settings.StatusPaused
	s.PausedReason = "manual"
	g, _, _, _, _ := newTestGate(s)

	d := g.CanTrade(context.Background(), Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100})
	if d.Allowed || d.Reason != "Trading paused: manual" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestCanTradePositionLimit(t *testing.T) {
	s := testSettings("u1")
	s.MaxPos = 0.01
	g, _, _, _, pos := newTestGate(s)
	pos["u1/BTCUSDT"] = 0.008

	tests := []struct {
		name    string
		size    float64
		allowed bool
	}{
		{"buy beyond max", 0.005, false},
		{"buy within max", 0.002, true},
		{"sell reduces", -0.005, true},
		{"sell through to short beyond max", -0.019, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.CanTrade(context.Background(), Request{UserID: "u1", Symbol: "BTCUSDT", Size: tt.size, MidPrice: 100})
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed=%v, expected %v (%s)", d.Allowed, tt.allowed, d.Reason)
			}
			if !tt.allowed && d.Check != CheckPosition {
				t.Errorf("Check=%s, expected %s", d.Check, CheckPosition)
			}
		})
	}
}

func TestCanTradePerTradeRisk(t *testing.T) {
	s := testSettings("u1")
	s.PerTradeRiskPct = 0.02 // 20 USDT on a 1000 balance
	g, _, _, _, _ := newTestGate(s)
	ctx := context.Background()

	// 5 * 100 * 1% default = 5
	if d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 5, MidPrice: 100}); !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	// 5 * 100 * 5% = 25 > 20
	d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 5, MidPrice: 100, AdverseMove: 0.05})
	if d.Allowed || d.Check != CheckPerTrade {
		t.Fatalf("expected per-trade rejection, got %+v", d)
	}
}

func TestCanTradeBalanceError(t *testing.T) {
	g, _, bal, _, _ := newTestGate(testSettings("u1"))
	bal.err = errors.New("exchange down")
	d := g.CanTrade(context.Background(), Request{UserID: "u1", Symbol: "BTCUSDT", Size: 1, MidPrice: 100})
	if d.Allowed || d.Check != CheckBalance {
		t.Fatalf("expected balance rejection, got %+v", d)
	}
}

func TestConsecutiveFailuresPauseAndCooldown(t *testing.T) {
	g, mem, _, clk, _ := newTestGate(testSettings("u1"))
	paused := pauseRecorder(g)
	ctx := context.Background()
	req := Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100}

	for i := 0; i < 5; i++ {
		g.RecordTradeResult(ctx, "u1", 0, false)
	}

	clk.advance(time.Minute)
	d := g.CanTrade(ctx, req)
	if d.Allowed || d.Check != CheckFailures || d.Reason != "5 consecutive failures" {
		t.Fatalf("expected failure pause, got %+v", d)
	}
	if msg := expectPause(t, paused); msg != "u1: 5 consecutive failures" {
		t.Errorf("pause handler got %q", msg)
	}
	doc, _ := mem.Get(ctx, "u1")
	if !doc.Paused() {
		t.Fatalf("settings status=%s, expected paused", doc.Status)
	}

	for _, offset := range []time.Duration{time.Minute, 10 * time.Minute, 17 * time.Minute} {
		clk.advance(offset)
		if d := g.CanTrade(ctx, req); d.Allowed {
			t.Fatalf("allowed during cooldown at +%v", offset)
		}
	}

	clk.advance(2 * time.Minute) // 31m after the last failure
	if d := g.CanTrade(ctx, req); !d.Allowed {
		t.Fatalf("expected auto-resume after cooldown, got %+v", d)
	}
	st, _ := g.State("u1")
	if st.Paused || st.ConsecutiveFailures != 0 {
		t.Errorf("state not reset: %+v", st)
	}
	doc, _ = mem.Get(ctx, "u1")
	if doc.Paused() {
		t.Errorf("settings still paused after resume")
	}
}

func TestFailureDuringPauseExtendsCooldown(t *testing.T) {
	g, _, _, clk, _ := newTestGate(testSettings("u1"))
	paused := pauseRecorder(g)
	ctx := context.Background()
	req := Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100}

	for i := 0; i < 5; i++ {
		g.RecordTradeResult(ctx, "u1", 0, false)
	}
	if d := g.CanTrade(ctx, req); d.Check != CheckFailures {
		t.Fatalf("expected failure pause, got %+v", d)
	}
	expectPause(t, paused)

	// a cycle already in flight fails after the pause
	clk.advance(20 * time.Minute)
	g.RecordTradeResult(ctx, "u1", 0, false)

	tests := []struct {
		advance time.Duration
		allowed bool
	}{
		{15 * time.Minute, false}, // 35m after the pause, 15m after the last failure
		{14 * time.Minute, false},
		{2 * time.Minute, true}, // 31m after the last failure
	}
	for _, tt := range tests {
		clk.advance(tt.advance)
		if d := g.CanTrade(ctx, req); d.Allowed != tt.allowed {
			t.Fatalf("+%v: allowed=%v, expected %v (%+v)", tt.advance, d.Allowed, tt.allowed, d)
		}
	}
}

func TestFailuresOutsideCooldownReset(t *testing.T) {
	g, _, _, clk, _ := newTestGate(testSettings("u1"))
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		g.RecordTradeResult(ctx, "u1", 0, false)
	}
	clk.advance(31 * time.Minute)
	if d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100}); !d.Allowed {
		t.Fatalf("expected allowed after stale failures, got %+v", d)
	}
	if st, _ := g.State("u1"); st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures=%d, expected reset", st.ConsecutiveFailures)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	g, _, _, _, _ := newTestGate(testSettings("u1"))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		g.RecordTradeResult(ctx, "u1", 0, false)
	}
	g.RecordTradeResult(ctx, "u1", 0, true)
	g.RecordTradeResult(ctx, "u1", 0, false)
	if st, _ := g.State("u1"); st.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures=%d, expected 1", st.ConsecutiveFailures)
	}
}

func TestDailyLossPauses(t *testing.T) {
	s := testSettings("u1")
	s.MaxLossPct = 0.05 // 50 on 1000
	g, mem, _, _, _ := newTestGate(s)
	paused := pauseRecorder(g)
	ctx := context.Background()

	g.RecordTradeResult(ctx, "u1", -30, true)
	if d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100}); !d.Allowed {
		t.Fatalf("30 loss should pass, got %+v", d)
	}
	g.RecordTradeResult(ctx, "u1", -30, true)
	d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100})
	if d.Allowed || d.Check != CheckDailyLoss {
		t.Fatalf("expected daily loss pause, got %+v", d)
	}
	expectPause(t, paused)
	if doc, _ := mem.Get(ctx, "u1"); !strings.HasPrefix(doc.PausedReason, "Daily loss") {
		t.Errorf("PausedReason=%q", doc.PausedReason)
	}
}

func TestDrawdownPauses(t *testing.T) {
	s := testSettings("u1")
	s.MaxDrawdownPct = 0.1
	g, _, bal, _, _ := newTestGate(s)
	ctx := context.Background()

	g.RecordTradeResult(ctx, "u1", 0, true) // peak 1000
	bal.set(950)
	if d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100}); !d.Allowed {
		t.Fatalf("5%% drawdown should pass, got %+v", d)
	}
	bal.set(850)
	d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100})
	if d.Allowed || d.Check != CheckDrawdown {
		t.Fatalf("expected drawdown pause, got %+v", d)
	}
}

func TestDayRollover(t *testing.T) {
	g, _, bal, clk, _ := newTestGate(testSettings("u1"))
	ctx := context.Background()

	g.RecordTradeResult(ctx, "u1", -12.5, true)
	if st, _ := g.State("u1"); st.DailyLoss != -12.5 {
		t.Fatalf("DailyLoss=%v, expected -12.5", st.DailyLoss)
	}

	clk.advance(24 * time.Hour)
	bal.set(1200)
	g.RecordTradeResult(ctx, "u1", 2, true)
	st, _ := g.State("u1")
	if st.DailyLoss != 2 || st.DailyStartBalance != 1200 || st.PeakBalance != 1200 {
		t.Fatalf("unexpected state after rollover %+v", st)
	}
}

func TestResumeClearsState(t *testing.T) {
	g, mem, _, _, _ := newTestGate(testSettings("u1"))
	pauseRecorder(g)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.RecordTradeResult(ctx, "u1", 0, false)
	}
	g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100})

	if err := g.Resume(ctx, "u1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, ok := g.State("u1"); ok {
		t.Error("expected state to be dropped")
	}
	if doc, _ := mem.Get(ctx, "u1"); doc.Paused() {
		t.Error("expected settings to be active")
	}
	if d := g.CanTrade(ctx, Request{UserID: "u1", Symbol: "BTCUSDT", Size: 0.001, MidPrice: 100}); !d.Allowed {
		t.Fatalf("expected allowed after resume, got %+v", d)
	}
}
