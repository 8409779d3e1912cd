package quoting

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-control/internal/events"
	"trading-control/pkg/exchanges/common"
	"trading-control/pkg/exchanges/paper"
)

// droppingStream hands out already-closed order streams for the first drops
// subscriptions (every one when drops < 0), then defers to the paper venue.
type droppingStream struct {
	*paper.Exchange

	mu    sync.Mutex
	drops int
	subs  int
}

func (d *droppingStream) SubscribeOrderUpdates(ctx context.Context) (<-chan common.OrderUpdate, error) {
	d.mu.Lock()
	d.subs++
	drop := d.drops != 0
	if d.drops > 0 {
		d.drops--
	}
	d.mu.Unlock()
	if drop {
		ch := make(chan common.OrderUpdate)
		close(ch)
		return ch, nil
	}
	return d.Exchange.SubscribeOrderUpdates(ctx)
}

func (d *droppingStream) subscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs
}

type alerts struct {
	mu      sync.Mutex
	reasons []string
}

func (a *alerts) Publish(m events.Message) {
	if m.Topic != events.TopicRiskAlert {
		return
	}
	p, ok := m.Payload.(map[string]any)
	if !ok {
		return
	}
	reason, _ := p["reason"].(string)
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
}

func (a *alerts) count(reason string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.reasons {
		if r == reason {
			n++
		}
	}
	return n
}

func TestClosedStreamIsResubscribed(t *testing.T) {
	h := newHarness(t, quotingSettings("u1"), 100, 101)
	h.loop.running = false
	h.loop.resubscribeWait = 5 * time.Millisecond
	notes := &alerts{}
	h.loop.deps.Notifier = notes
	venue := &droppingStream{Exchange: h.venue, drops: 1}
	h.loop.Attach(venue)

	if err := h.loop.Start("BTCUSDT", 10*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.loop.Stop()

	waitFor(t, "restored stream and two quotes", func() bool {
		return venue.subscriptions() >= 2 && !h.loop.Status().StreamDown && len(h.loop.Pending()) == 2
	})

	var buyID string
	for _, o := range h.loop.Pending() {
		if o.Side == common.SideBuy {
			buyID = o.OrderID
		}
	}
	if err := h.venue.Fill(buyID, 0.001); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	waitFor(t, "fill after resubscribe", func() bool { return near(h.loop.Inventory(), 0.001) })
	if got := h.book.Position("u1", "BTCUSDT"); !near(got, 0.001) {
		t.Errorf("book position=%v, expected 0.001", got)
	}
	if !h.loop.Status().Running {
		t.Error("loop stopped after a recovered stream")
	}
	if n := notes.count("Order stream lost, quoting paused"); n != 1 {
		t.Errorf("stream loss alerts=%d, expected 1", n)
	}
}

func TestStreamThatNeverRecoversHaltsSession(t *testing.T) {
	h := newHarness(t, quotingSettings("u1"), 100, 101)
	h.loop.running = false
	h.loop.resubscribeWait = time.Millisecond
	notes := &alerts{}
	h.loop.deps.Notifier = notes
	venue := &droppingStream{Exchange: h.venue, drops: -1}
	h.loop.Attach(venue)

	if err := h.loop.Start("BTCUSDT", 10*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "session halt", func() bool {
		return !h.loop.Status().Running && len(h.loop.Pending()) == 0 && len(h.venue.OpenOrders()) == 0
	})
	if n := venue.subscriptions(); n != 1+maxResubscribes {
		t.Errorf("subscriptions=%d, expected %d", n, 1+maxResubscribes)
	}
	if n := notes.count("Order stream lost after 5 resubscribe attempts"); n != 1 {
		t.Errorf("halt alerts=%d, expected 1", n)
	}
}

func TestStreamLossPausesQuoting(t *testing.T) {
	h := newHarness(t, quotingSettings("u1"), 100, 101)
	ctx := context.Background()

	h.loop.cycle(ctx, "BTCUSDT")
	if n := len(h.loop.Pending()); n != 2 {
		t.Fatalf("pending=%d, expected 2", n)
	}

	h.loop.streamLost(h.venue, false)
	if n := len(h.venue.OpenOrders()); n != 0 {
		t.Errorf("venue kept %d quotes after stream loss", n)
	}
	h.loop.cycle(ctx, "BTCUSDT")
	if n := len(h.loop.Pending()); n != 0 {
		t.Errorf("quoted %d orders without an order stream", n)
	}
}

func TestInventorySurvivesRestart(t *testing.T) {
	s := quotingSettings("u1")
	s.QuoteSize = 0.004
	s.MaxPos = 0.01
	h := newHarness(t, s, 100, 101)
	h.loop.running = false
	shared := h.loop.deps.Inventory

	if err := h.loop.Start("BTCUSDT", time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "two quotes", func() bool { return len(h.loop.Pending()) == 2 })
	for _, o := range h.loop.Pending() {
		if o.Side == common.SideBuy {
			if err := h.venue.Fill(o.OrderID, 0.004); err != nil {
				t.Fatalf("Fill: %v", err)
			}
		}
	}
	waitFor(t, "buy fill", func() bool { return near(h.loop.Inventory(), 0.004) })
	h.loop.Stop()

	next := New("u1", h.loop.deps)
	next.Attach(h.venue)
	if err := next.Start("BTCUSDT", time.Hour); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer next.Stop()
	if got := next.Inventory(); !near(got, 0.004) {
		t.Fatalf("inventory after restart=%v, expected 0.004", got)
	}
	waitFor(t, "ask after restart", func() bool { return len(next.Pending()) == 1 })
	for _, o := range next.Pending() {
		if o.Side != common.SideSell {
			t.Errorf("40%% long quoted a %s, expected ask only", o.Side)
		}
	}
	if got := shared.Get("u1", "BTCUSDT"); !near(got, 0.004) {
		t.Errorf("shared inventory=%v", got)
	}
	if got := shared.Get("u1", "ETHUSDT"); got != 0 {
		t.Errorf("inventory leaked to another symbol: %v", got)
	}
}
