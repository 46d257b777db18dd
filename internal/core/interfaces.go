// Package core defines the shared types and interfaces of the lifecycle engine.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Balances is the adapter's account snapshot for one strategy.
type Balances struct {
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	TotalValue     decimal.Decimal
}

// IBrokerAdapter is the contract a brokerage integration implements once per
// vendor. The engine owns all tracking state; adapters own wire formats,
// authentication, and vendor error translation. Adapters are expected to
// normalize vendor failures into pkg/errors values.
type IBrokerAdapter interface {
	GetName() string

	// SubmitOrder transmits the order. On success the adapter assigns the
	// brokerage identifier and raw response on the returned order; on
	// failure it returns the normalized error and leaves the order
	// unidentified. The adapter never retries.
	SubmitOrder(ctx context.Context, order *Order) (*Order, error)
	CancelOrder(ctx context.Context, order *Order) error
	ModifyOrder(ctx context.Context, order *Order, limitPrice, stopPrice *decimal.Decimal) error

	// PullAllOrders returns the brokerage's current view of the
	// strategy's orders, already parsed. PullRawOrders/ParseOrder expose
	// the two halves for adapters that page raw payloads.
	PullAllOrders(ctx context.Context, strategy string) ([]*Order, error)
	PullRawOrders(ctx context.Context, strategy string) ([]any, error)
	ParseOrder(raw any) (*Order, error)

	PullPositions(ctx context.Context, strategy string) ([]*Position, error)
	GetBalances(ctx context.Context, quote Asset, strategy string) (Balances, error)
}

// IEventSink receives lifecycle events. The broker facade implements this and
// routes into the state machine; push streams call it as notifications arrive.
type IEventSink interface {
	ProcessEvent(ctx context.Context, order *Order, ev Event) error
}

// IPushStream is the optional push channel an adapter may provide. When nil,
// the engine falls back to poll-mode reconciliation. Run delivers events to
// the sink until the context is canceled; Established is closed exactly once
// when the connection is ready to receive notifications.
type IPushStream interface {
	Run(ctx context.Context, sink IEventSink) error
	Established() <-chan struct{}
	Stop() error
}

// ISubscriber is the strategy-side listener. One subscriber per strategy
// name; delivery is synchronous and best-effort.
type ISubscriber interface {
	Name() string
	OnEvent(kind EventKind, payload *EventPayload)
}

// ILogger is the structured logging contract used across the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
