// Package notify delivers engine notifications: locally over the event bus
// for websocket clients and, when configured, to remote sinks such as Redis.
package notify

import (
	"context"
	"log"
	"time"

	"trading-control/internal/events"
	"trading-control/internal/monitor"
)

// Publisher is what the engines depend on. Publish must not block.
type Publisher interface {
	Publish(m events.Message)
}

// Sink is a remote delivery target.
type Sink interface {
	Name() string
	Send(ctx context.Context, m events.Message) error
}

// Notifier publishes to the bus inline and queues remote deliveries for a
// single worker, so remote order matches publish order.
type Notifier struct {
	bus     *events.Bus
	sinks   []Sink
	metrics *monitor.Metrics
	timeout time.Duration
	queue   chan events.Message
	now     func() time.Time
}

var _ Publisher = (*Notifier)(nil)

func NewNotifier(bus *events.Bus, metrics *monitor.Metrics, timeout time.Duration, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Notifier{
		bus:     bus,
		sinks:   sinks,
		metrics: metrics,
		timeout: timeout,
		queue:   make(chan events.Message, 1024),
		now:     time.Now,
	}
}

// Publish stamps the message and hands it to every sink. Remote failures are
// logged and counted, never retried.
func (n *Notifier) Publish(m events.Message) {
	if m.At.IsZero() {
		m.At = n.now().UTC()
	}
	if n.bus != nil {
		n.bus.Publish(m)
	}
	if len(n.sinks) == 0 {
		return
	}
	select {
	case n.queue <- m:
	default:
		n.metrics.NotificationFailed("queue")
		log.Printf("[notify] queue full, dropping %s for %s", m.Topic, m.UserID)
	}
}

// Run delivers queued messages to the remote sinks until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-n.queue:
			n.deliver(ctx, m)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, m events.Message) {
	for _, s := range n.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Send(sendCtx, m)
		cancel()
		if err != nil {
			n.metrics.NotificationFailed(s.Name())
			log.Printf("[notify] %s delivery of %s for %s failed: %v", s.Name(), m.Topic, m.UserID, err)
		}
	}
}

// Discard drops every message.
type Discard struct{}

func (Discard) Publish(events.Message) {}
