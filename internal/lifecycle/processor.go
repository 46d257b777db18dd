// Package lifecycle implements the trade-event state machine: the single
// authority that mutates order status and position quantities in response to
// lifecycle events and fans them out to subscribers.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"broker_engine/internal/bus"
	"broker_engine/internal/core"
	"broker_engine/internal/registry"
	"broker_engine/internal/tradelog"
	apperrors "broker_engine/pkg/errors"
	"broker_engine/pkg/telemetry"
)

type heldEvent struct {
	order *core.Order
	ev    core.Event
}

// Processor applies lifecycle events to the registry. Transitions for a
// given order identifier are linearized by the registry lock; transitions
// for different identifiers may interleave freely.
type Processor struct {
	registry *registry.Registry
	bus      *bus.Bus
	tradeLog *tradelog.Log
	logger   core.ILogger

	holdMu sync.Mutex
	held   bool
	queue  []heldEvent
}

// NewProcessor creates a processor bound to the given registry, bus and log.
func NewProcessor(reg *registry.Registry, b *bus.Bus, tl *tradelog.Log, logger core.ILogger) *Processor {
	return &Processor{
		registry: reg,
		bus:      b,
		tradeLog: tl,
		logger:   logger.WithField("component", "lifecycle"),
	}
}

// Hold buffers subsequent events instead of applying them. Used during
// startup synchronization so push notifications cannot interleave with the
// initial snapshot load.
func (p *Processor) Hold() {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	p.held = true
}

// Release replays held events in arrival order and resumes direct dispatch.
func (p *Processor) Release(ctx context.Context) error {
	p.holdMu.Lock()
	queued := p.queue
	p.queue = nil
	p.held = false
	p.holdMu.Unlock()

	for _, h := range queued {
		if err := p.dispatch(ctx, h.order, h.ev); err != nil {
			return err
		}
	}
	return nil
}

// ProcessEvent is the single entry point for every lifecycle transition,
// from the pipeline, the poll driver, and push streams alike. Fill events
// missing price or quantity are a contract violation surfaced synchronously;
// everything else is applied best-effort and idempotently.
func (p *Processor) ProcessEvent(ctx context.Context, order *core.Order, ev core.Event) error {
	if err := validateEvent(order, ev); err != nil {
		return err
	}

	p.holdMu.Lock()
	if p.held {
		p.queue = append(p.queue, heldEvent{order: order, ev: ev})
		p.holdMu.Unlock()
		return nil
	}
	p.holdMu.Unlock()

	return p.dispatch(ctx, order, ev)
}

func validateEvent(order *core.Order, ev core.Event) error {
	switch ev.Kind {
	case core.EventFill, core.EventPartialFill:
		// OCO parents settle at a known leg price and carry no fill data
		// of their own.
		if order.IsPlaceholder() {
			return nil
		}
		if ev.Price == nil || ev.FilledQuantity == nil {
			return apperrors.Wrap("lifecycle.process_event", apperrors.ErrMissingFillData)
		}
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, order *core.Order, ev core.Event) error {
	var (
		payload  *core.EventPayload
		applied  bool
		resolved *core.Order
	)

	p.registry.Update(func(tx *registry.Tx) {
		resolved = p.resolveLocked(tx, order)

		// Terminal states are immutable. A re-delivered terminal event and
		// a stale non-terminal event (a late NEW or partial fill racing a
		// completed fill) are both no-ops: the order is already absent from
		// every non-terminal collection.
		if resolved.Status.IsTerminal() && !tx.InActiveCollection(resolved) {
			return
		}

		payload = p.applyLocked(tx, resolved, ev)
		applied = true
	})

	if !applied {
		p.logger.Debug("Event for settled order ignored",
			"identifier", order.Identifier,
			"event", ev.Kind.String())
		return nil
	}

	p.record(resolved, ev)
	p.count(ctx, ev.Kind)
	p.bus.Notify(ev.Kind, payload)
	return nil
}

// resolveLocked prefers the tracked instance of the order over the caller's
// copy, so that poll-parsed duplicates converge on one entity. The lookup
// falls back to the client identifier because a push notification can
// arrive before the placement response assigned the brokerage identifier
// locally.
func (p *Processor) resolveLocked(tx *registry.Tx, order *core.Order) *core.Order {
	tracked, _ := tx.Find(order.Identifier)
	if tracked == nil {
		tracked, _ = tx.Find(order.ClientID)
	}
	if tracked != nil {
		if !tracked.Identified() && order.Identified() {
			tracked.Identifier = order.Identifier
			tracked.Raw = order.Raw
		}
		return tracked
	}
	return order
}

func (p *Processor) applyLocked(tx *registry.Tx, order *core.Order, ev core.Event) *core.EventPayload {
	payload := &core.EventPayload{Order: order}

	switch ev.Kind {
	case core.EventNew:
		if order.IsPlaceholder() {
			order.Status = core.OrderStatusPlaceholder
			tx.Move(order, registry.CollectionPlaceholder)
		} else {
			order.Status = core.OrderStatusNew
			tx.Move(order, registry.CollectionNew)
		}

	case core.EventPartialFill:
		order.Status = core.OrderStatusPartiallyFilled
		tx.Move(order, registry.CollectionPartiallyFilled)
		payload.Position = p.applyFillLocked(tx, order, ev, payload)

	case core.EventFill:
		order.Status = core.OrderStatusFilled
		tx.Move(order, registry.CollectionFilled)
		payload.Position = p.applyFillLocked(tx, order, ev, payload)

	case core.EventCanceled:
		order.Status = core.OrderStatusCanceled
		tx.Move(order, registry.CollectionCanceled)

	case core.EventError:
		order.Status = core.OrderStatusError
		order.Err = ev.Err
		payload.Err = ev.Err
		tx.Move(order, registry.CollectionError)

	case core.EventCashSettled:
		order.Status = core.OrderStatusCashSettled
		tx.Move(order, registry.CollectionFilled)
	}

	order.Touch()
	return payload
}

// applyFillLocked mutates the order's fill fields and creates-or-mutates the
// corresponding position by the signed filled quantity. For quote-currency
// legs in spot-currency trades, the quote-asset position absorbs the
// notional value.
func (p *Processor) applyFillLocked(tx *registry.Tx, order *core.Order, ev core.Event, payload *core.EventPayload) *core.Position {
	if order.IsPlaceholder() || ev.Price == nil || ev.FilledQuantity == nil {
		return nil
	}

	price := *ev.Price
	qty := *ev.FilledQuantity
	mult := ev.Multiplier
	if mult <= 0 {
		mult = order.Asset.ContractMultiplier()
	}

	payload.Price = price
	payload.Quantity = qty
	payload.Multiplier = mult

	// Weighted average over cumulative fills.
	prevFilled := order.FilledQuantity
	newFilled := prevFilled.Add(qty)
	if newFilled.IsPositive() {
		order.AvgFillPrice = order.AvgFillPrice.Mul(prevFilled).
			Add(price.Mul(qty)).
			Div(newFilled)
	}
	order.FilledQuantity = newFilled

	signed := order.SignedQuantity(qty)
	pos := tx.Position(order.Strategy, order.Asset.Key())
	if pos == nil {
		pos = core.NewPosition(order.Strategy, order.Asset, signed, price)
		pos.Orders = append(pos.Orders, order)
		tx.UpsertPosition(pos)
	} else {
		pos.ApplyFill(signed, price)
		pos.Orders = append(pos.Orders, order)
	}

	if pos.Quantity.IsZero() && !tx.IsPinned(order.Asset.Key()) {
		tx.RemovePosition(order.Strategy, order.Asset.Key())
	}

	if quote := order.Asset.Quote; quote != nil {
		notional := price.Mul(qty).Mul(decimal.NewFromInt(int64(mult)))
		delta := notional.Neg()
		if !order.Side.IsBuy() {
			delta = notional
		}
		qpos := tx.Position(order.Strategy, quote.Key())
		if qpos == nil {
			qpos = core.NewPosition(order.Strategy, *quote, delta, decimal.NewFromInt(1))
			tx.UpsertPosition(qpos)
		} else {
			qpos.Quantity = qpos.Quantity.Add(delta)
			qpos.UpdatedAt = time.Now()
		}
		if qpos.Quantity.IsZero() && !tx.IsPinned(quote.Key()) {
			tx.RemovePosition(order.Strategy, quote.Key())
		}
	}

	return pos
}

func (p *Processor) record(order *core.Order, ev core.Event) {
	rec := core.TradeRecord{
		Time:     time.Now(),
		Strategy: order.Strategy,
		Asset:    order.Asset.Key(),
		Side:     order.Side,
		Type:     order.Type,
		Status:   order.Status,
	}
	if ev.Price != nil {
		rec.Price = *ev.Price
	}
	if ev.FilledQuantity != nil {
		rec.FilledQuantity = *ev.FilledQuantity
		mult := ev.Multiplier
		if mult <= 0 {
			mult = order.Asset.ContractMultiplier()
		}
		rec.TradeCost = rec.Price.Mul(rec.FilledQuantity).Mul(decimal.NewFromInt(int64(mult)))
	}
	p.tradeLog.Append(rec)
}

func (p *Processor) count(ctx context.Context, kind core.EventKind) {
	m := telemetry.GetGlobalMetrics()
	switch kind {
	case core.EventFill:
		if m.OrdersFilledTotal != nil {
			m.OrdersFilledTotal.Add(ctx, 1)
		}
	case core.EventCanceled:
		if m.OrdersCanceledTotal != nil {
			m.OrdersCanceledTotal.Add(ctx, 1)
		}
	case core.EventError:
		if m.OrdersErroredTotal != nil {
			m.OrdersErroredTotal.Add(ctx, 1)
		}
	}
}
