// Package bus delivers lifecycle events to strategy-side subscribers.
package bus

import (
	"context"
	"sync"

	"broker_engine/internal/core"
	"broker_engine/pkg/telemetry"
)

// Bus routes named events to the subscriber registered for the order's
// owning strategy. Delivery is synchronous and best-effort: events for
// strategies with no subscriber are logged and dropped, which is expected
// during initial synchronization before a strategy is fully attached.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]core.ISubscriber
	logger      core.ILogger
}

// New creates an empty bus.
func New(logger core.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[string]core.ISubscriber),
		logger:      logger.WithField("component", "bus"),
	}
}

// Register attaches the subscriber under its strategy name, replacing any
// previous registration for that name.
func (b *Bus) Register(sub core.ISubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.Name()] = sub
}

// Unregister detaches the subscriber for the strategy name.
func (b *Bus) Unregister(strategy string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, strategy)
}

// Lookup returns the subscriber for the strategy name, or nil.
func (b *Bus) Lookup(strategy string) core.ISubscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[strategy]
}

// Notify delivers the event to the subscriber for the payload's strategy.
func (b *Bus) Notify(kind core.EventKind, payload *core.EventPayload) {
	strategy := ""
	if payload != nil && payload.Order != nil {
		strategy = payload.Order.Strategy
	}

	sub := b.Lookup(strategy)
	if sub == nil {
		b.logger.Debug("No subscriber for strategy, dropping event",
			"strategy", strategy,
			"event", kind.String())
		// The instrument is nil until telemetry setup ran.
		if m := telemetry.GetGlobalMetrics(); m.EventsDroppedTotal != nil {
			m.EventsDroppedTotal.Add(context.Background(), 1)
		}
		return
	}

	sub.OnEvent(kind, payload)
}
