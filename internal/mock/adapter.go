// Package mock provides an in-memory brokerage for tests and paper trading.
// The adapter honors the same contract as a live integration: identifiers
// are assigned on submission, fills arrive through the push stream or the
// poll snapshot, and statuses are reported in vendor vocabulary.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"broker_engine/internal/core"
	apperrors "broker_engine/pkg/errors"
)

// Adapter is an in-memory brokerage. Orders rest until a test or the
// paper-trading loop fills them via Fill/FillAll.
type Adapter struct {
	name string

	mu        sync.Mutex
	idCounter int64
	orders    map[string]*core.Order // by brokerage identifier
	byClient  map[string]string      // client id -> identifier
	cash      decimal.Decimal

	// FillMarketOrders makes market orders fill at SubmitOrder time,
	// reported through the stream when one is attached.
	FillMarketOrders bool
	MarketPrice      decimal.Decimal

	// RejectNext fails the next submission with the given error.
	RejectNext error

	stream *Stream
}

// NewAdapter creates an empty mock brokerage.
func NewAdapter(name string) *Adapter {
	return &Adapter{
		name:        name,
		idCounter:   1000,
		orders:      make(map[string]*core.Order),
		byClient:    make(map[string]string),
		cash:        decimal.NewFromInt(100000),
		MarketPrice: decimal.NewFromInt(100),
	}
}

// AttachStream binds a push stream so fills are delivered as events rather
// than waiting for the next poll.
func (a *Adapter) AttachStream(s *Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stream = s
}

func (a *Adapter) GetName() string { return a.name }

// SubmitOrder accepts the order, assigns an identifier and records it as
// resting. Resubmission of the same client identifier returns the already
// recorded order.
func (a *Adapter) SubmitOrder(ctx context.Context, order *core.Order) (*core.Order, error) {
	a.mu.Lock()

	if err := a.RejectNext; err != nil {
		a.RejectNext = nil
		a.mu.Unlock()
		return nil, apperrors.Wrap("mock.submit_order", err)
	}

	if id, ok := a.byClient[order.ClientID]; ok {
		existing := a.orders[id]
		a.mu.Unlock()
		order.Identifier = existing.Identifier
		return order, nil
	}

	a.idCounter++
	order.Identifier = fmt.Sprintf("%s-%d", a.name, a.idCounter)

	rec := cloneOrder(order)
	rec.VendorStatus = "Open"
	if order.IsPlaceholder() {
		rec.VendorStatus = "Placeholder"
	}
	a.orders[order.Identifier] = rec
	a.byClient[order.ClientID] = order.Identifier

	fillNow := a.FillMarketOrders && order.Type == core.OrderTypeMarket && !order.IsPlaceholder()
	price := a.MarketPrice
	a.mu.Unlock()

	if fillNow {
		a.Fill(order.Identifier, price)
	}
	return order, nil
}

// CancelOrder marks the resting order canceled. Terminal orders cannot be
// canceled.
func (a *Adapter) CancelOrder(ctx context.Context, order *core.Order) error {
	a.mu.Lock()
	rec, ok := a.orders[order.Identifier]
	if !ok {
		a.mu.Unlock()
		return apperrors.Wrap("mock.cancel_order", apperrors.ErrOrderNotFound)
	}
	status, _ := canonicalVendor(rec.VendorStatus)
	if status.IsTerminal() {
		a.mu.Unlock()
		return apperrors.Wrap("mock.cancel_order", apperrors.ErrInvalidOrderParameter)
	}
	rec.VendorStatus = "Cancelled"
	rec.Status = core.OrderStatusCanceled
	rec.UpdatedAt = time.Now()
	stream := a.stream
	ev := core.Event{Kind: core.EventCanceled}
	out := cloneOrder(rec)
	a.mu.Unlock()

	if stream != nil {
		stream.Emit(out, ev)
	}
	return nil
}

// ModifyOrder adjusts the resting order's working prices.
func (a *Adapter) ModifyOrder(ctx context.Context, order *core.Order, limitPrice, stopPrice *decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.orders[order.Identifier]
	if !ok {
		return apperrors.Wrap("mock.modify_order", apperrors.ErrOrderNotFound)
	}
	if limitPrice != nil {
		v := *limitPrice
		rec.LimitPrice = &v
	}
	if stopPrice != nil {
		v := *stopPrice
		rec.StopPrice = &v
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// Fill fully executes the identified order at the given price, reporting
// it through the attached stream when present.
func (a *Adapter) Fill(identifier string, price decimal.Decimal) error {
	a.mu.Lock()
	rec, ok := a.orders[identifier]
	if !ok {
		a.mu.Unlock()
		return apperrors.Wrap("mock.fill", apperrors.ErrOrderNotFound)
	}
	remaining := rec.Quantity.Sub(rec.FilledQuantity)
	rec.FilledQuantity = rec.Quantity
	rec.AvgFillPrice = weightedPrice(rec, price, remaining)
	rec.VendorStatus = "Filled"
	rec.Status = core.OrderStatusFilled
	rec.UpdatedAt = time.Now()
	stream := a.stream
	out := cloneOrder(rec)
	a.mu.Unlock()

	if stream != nil {
		stream.Emit(out, core.Event{Kind: core.EventFill, Price: &price, FilledQuantity: &remaining})
	}
	return nil
}

// PartialFill executes qty of the identified order at the given price.
func (a *Adapter) PartialFill(identifier string, qty, price decimal.Decimal) error {
	a.mu.Lock()
	rec, ok := a.orders[identifier]
	if !ok {
		a.mu.Unlock()
		return apperrors.Wrap("mock.partial_fill", apperrors.ErrOrderNotFound)
	}
	rec.AvgFillPrice = weightedPrice(rec, price, qty)
	rec.FilledQuantity = rec.FilledQuantity.Add(qty)
	if rec.FilledQuantity.GreaterThanOrEqual(rec.Quantity) {
		rec.VendorStatus = "Filled"
		rec.Status = core.OrderStatusFilled
	} else {
		rec.VendorStatus = "Partially_Filled"
		rec.Status = core.OrderStatusPartiallyFilled
	}
	rec.UpdatedAt = time.Now()
	stream := a.stream
	out := cloneOrder(rec)
	kind := core.EventPartialFill
	if rec.Status == core.OrderStatusFilled {
		kind = core.EventFill
	}
	a.mu.Unlock()

	if stream != nil {
		stream.Emit(out, core.Event{Kind: kind, Price: &price, FilledQuantity: &qty})
	}
	return nil
}

// Drop removes the order from the brokerage's book entirely, as if it
// disappeared between polls.
func (a *Adapter) Drop(identifier string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.orders[identifier]; ok {
		delete(a.byClient, rec.ClientID)
	}
	delete(a.orders, identifier)
}

// PullAllOrders returns the brokerage's current order book, vendor
// statuses included.
func (a *Adapter) PullAllOrders(ctx context.Context, strategy string) ([]*core.Order, error) {
	raw, err := a.PullRawOrders(ctx, strategy)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Order, 0, len(raw))
	for _, r := range raw {
		o, err := a.ParseOrder(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// PullRawOrders returns the wire-form order book.
func (a *Adapter) PullRawOrders(ctx context.Context, strategy string) ([]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]any, 0, len(a.orders))
	for _, rec := range a.orders {
		if strategy != "" && rec.Strategy != "" && rec.Strategy != strategy {
			continue
		}
		out = append(out, cloneOrder(rec))
	}
	return out, nil
}

// ParseOrder converts a raw payload back into an order.
func (a *Adapter) ParseOrder(raw any) (*core.Order, error) {
	o, ok := raw.(*core.Order)
	if !ok {
		return nil, apperrors.Wrap("mock.parse_order", apperrors.ErrInvalidOrderParameter)
	}
	return o, nil
}

// PullPositions derives positions from filled quantities, netted per asset.
func (a *Adapter) PullPositions(ctx context.Context, strategy string) ([]*core.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	net := make(map[string]*core.Position)
	for _, rec := range a.orders {
		if strategy != "" && rec.Strategy != "" && rec.Strategy != strategy {
			continue
		}
		if rec.FilledQuantity.IsZero() {
			continue
		}
		key := rec.Asset.Key()
		signed := rec.SignedQuantity(rec.FilledQuantity)
		if pos, ok := net[key]; ok {
			pos.ApplyFill(signed, rec.AvgFillPrice)
		} else {
			net[key] = core.NewPosition(rec.Strategy, rec.Asset, signed, rec.AvgFillPrice)
		}
	}

	out := make([]*core.Position, 0, len(net))
	for _, pos := range net {
		if !pos.Quantity.IsZero() {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetBalances reports cash plus the mark value of derived positions, with
// every position marked at its average fill price.
func (a *Adapter) GetBalances(ctx context.Context, quote core.Asset, strategy string) (core.Balances, error) {
	positions, err := a.PullPositions(ctx, strategy)
	if err != nil {
		return core.Balances{}, err
	}

	a.mu.Lock()
	cash := a.cash
	a.mu.Unlock()

	value := decimal.Zero
	for _, pos := range positions {
		mult := decimal.NewFromInt(int64(pos.Asset.ContractMultiplier()))
		value = value.Add(pos.Quantity.Mul(pos.AvgFillPrice).Mul(mult))
	}
	return core.Balances{
		Cash:           cash,
		PositionsValue: value,
		TotalValue:     cash.Add(value),
	}, nil
}

// SetCash overrides the cash balance.
func (a *Adapter) SetCash(cash decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cash = cash
}

// OrderCount reports the number of orders on the book.
func (a *Adapter) OrderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

func cloneOrder(o *core.Order) *core.Order {
	c := *o
	c.Children = nil
	return &c
}

func weightedPrice(rec *core.Order, price, qty decimal.Decimal) decimal.Decimal {
	newFilled := rec.FilledQuantity.Add(qty)
	if !newFilled.IsPositive() {
		return rec.AvgFillPrice
	}
	return rec.AvgFillPrice.Mul(rec.FilledQuantity).
		Add(price.Mul(qty)).
		Div(newFilled)
}

func canonicalVendor(vendor string) (core.OrderStatus, bool) {
	switch vendor {
	case "Open", "Placeholder":
		return core.OrderStatusNew, true
	case "Partially_Filled":
		return core.OrderStatusPartiallyFilled, true
	case "Filled":
		return core.OrderStatusFilled, true
	case "Cancelled":
		return core.OrderStatusCanceled, true
	case "Rejected":
		return core.OrderStatusError, true
	default:
		return core.OrderStatusUnsubmitted, false
	}
}
