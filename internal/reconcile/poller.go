// Package reconcile aligns locally cached order/position state with the
// brokerage's authoritative state, by polling snapshots or by adapting a
// push stream. Both converge on the lifecycle state machine.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"

	"broker_engine/internal/core"
	"broker_engine/internal/lifecycle"
	"broker_engine/internal/registry"
	apperrors "broker_engine/pkg/errors"
	"broker_engine/pkg/telemetry"
)

// PollerConfig tunes poll-mode reconciliation.
type PollerConfig struct {
	Interval time.Duration
	Strategy string
	// CancelOnMissing applies the disappeared-order-equals-canceled
	// heuristic to non-terminal local orders. Some brokerages stop
	// listing settled orders after a session boundary, so adapters that
	// would produce false positives disable it.
	CancelOnMissing bool
	// CycleTimeout bounds a single pass; zero uses a 30s default.
	CycleTimeout time.Duration
}

// Poller pulls full order/position snapshots on a fixed interval and diffs
// them against the registry. Used when the brokerage exposes no low-latency
// push channel.
type Poller struct {
	adapter   core.IBrokerAdapter
	registry  *registry.Registry
	processor *lifecycle.Processor
	logger    core.ILogger
	cfg       PollerConfig

	ordersExec    failsafe.Executor[[]*core.Order]
	positionsExec failsafe.Executor[[]*core.Position]

	mu        sync.Mutex
	firstPoll bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poll-mode reconciliation driver.
func NewPoller(
	adapter core.IBrokerAdapter,
	reg *registry.Registry,
	processor *lifecycle.Processor,
	cfg PollerConfig,
	logger core.ILogger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Second
	}

	ordersRetry := retrypolicy.NewBuilder[[]*core.Order]().
		HandleIf(func(_ []*core.Order, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()
	positionsRetry := retrypolicy.NewBuilder[[]*core.Position]().
		HandleIf(func(_ []*core.Position, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	return &Poller{
		adapter:       adapter,
		registry:      reg,
		processor:     processor,
		logger:        logger.WithField("component", "poller"),
		cfg:           cfg,
		ordersExec:    failsafe.With[[]*core.Order](ordersRetry),
		positionsExec: failsafe.With[[]*core.Position](positionsRetry),
		firstPoll:     true,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.logger.Info("Starting poll reconciliation", "interval", p.cfg.Interval)
	p.wg.Add(1)
	go p.runLoop()
	return nil
}

// Stop stops the polling loop.
func (p *Poller) Stop() error {
	p.logger.Info("Stopping poll reconciliation")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Poller) runLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.CycleTimeout)
			if err := p.Reconcile(ctx); err != nil {
				// The cycle is skipped; no state is discarded and the
				// next cycle proceeds normally.
				p.logger.Error("Reconciliation cycle skipped", "error", err.Error())
				if m := telemetry.GetGlobalMetrics(); m.ReconcileSkippedTotal != nil {
					m.ReconcileSkippedTotal.Add(ctx, 1)
				}
			}
			cancel()
		}
	}
}

// Reconcile performs a single pass: pull both snapshots, diff positions,
// diff orders, apply transitions through the state machine.
func (p *Poller) Reconcile(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		remoteOrders    []*core.Order
		remotePositions []*core.Position
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remoteOrders, err = p.ordersExec.Get(func() ([]*core.Order, error) {
			return p.adapter.PullAllOrders(gctx, p.cfg.Strategy)
		})
		if err != nil {
			return fmt.Errorf("failed to pull orders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		remotePositions, err = p.positionsExec.Get(func() ([]*core.Position, error) {
			return p.adapter.PullPositions(gctx, p.cfg.Strategy)
		})
		if err != nil {
			return fmt.Errorf("failed to pull positions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	first := p.firstPoll
	p.firstPoll = false

	p.syncPositions(remotePositions)
	if err := p.syncOrders(ctx, remoteOrders, first); err != nil {
		return err
	}

	if m := telemetry.GetGlobalMetrics(); m.ReconcileCyclesTotal != nil {
		m.ReconcileCyclesTotal.Add(ctx, 1)
	}
	return nil
}

// syncPositions diffs the brokerage's positions against the registry by
// asset key: new nonzero positions are added, changed quantities updated,
// and positions absent from the response removed unless pinned.
func (p *Poller) syncPositions(remote []*core.Position) {
	p.registry.Update(func(tx *registry.Tx) {
		seen := make(map[string]bool, len(remote))
		for _, rp := range remote {
			if rp.Strategy == "" {
				rp.Strategy = p.cfg.Strategy
			}
			key := rp.Asset.Key()
			seen[key] = true

			if rp.Quantity.IsZero() && !tx.IsPinned(key) {
				tx.RemovePosition(rp.Strategy, key)
				continue
			}

			local := tx.Position(rp.Strategy, key)
			if local == nil {
				tx.UpsertPosition(core.NewPosition(rp.Strategy, rp.Asset, rp.Quantity, rp.AvgFillPrice))
				p.logger.Info("Tracking position discovered at brokerage",
					"asset", key, "quantity", rp.Quantity.String())
				continue
			}
			if !local.Quantity.Equal(rp.Quantity) {
				p.logger.Info("Correcting position quantity from brokerage",
					"asset", key,
					"local", local.Quantity.String(),
					"remote", rp.Quantity.String())
				local.Quantity = rp.Quantity
				if !rp.AvgFillPrice.IsZero() {
					local.AvgFillPrice = rp.AvgFillPrice
				}
				local.UpdatedAt = time.Now()
			}
		}

		for key, pos := range tx.Positions() {
			// The pull is scoped to this poller's strategy; other
			// strategies' positions are not ours to drop.
			if pos.Strategy != p.cfg.Strategy {
				continue
			}
			if !seen[pos.Asset.Key()] && !tx.IsPinned(pos.Asset.Key()) {
				delete(tx.Positions(), key)
				p.logger.Info("Dropping position absent from brokerage", "asset", pos.Asset.Key())
			}
		}
	})
}

// syncOrders walks the brokerage's order list: unseen identifiers become
// NEW (or fast-forward to their terminal status on the very first poll),
// changed statuses trigger the matching transition, and active local orders
// absent from the response are treated as implicitly canceled when the
// adapter policy allows it.
func (p *Poller) syncOrders(ctx context.Context, remote []*core.Order, firstPoll bool) error {
	seen := make(map[string]bool, len(remote))

	for _, ro := range remote {
		if ro.Identifier == "" {
			continue
		}
		if ro.Strategy == "" {
			ro.Strategy = p.cfg.Strategy
		}
		seen[ro.Identifier] = true

		status, ok := canonical(ro)
		if !ok {
			p.logger.Warn("Unrecognized brokerage status",
				"identifier", ro.Identifier,
				"status", ro.VendorStatus)
			continue
		}

		local, _ := p.registry.FindOrder(ro.Identifier)
		if local == nil {
			if firstPoll && status.IsTerminal() {
				// Already-settled history: file it without replaying
				// transitions the strategy never saw.
				ro.Status = status
				p.registry.Append(registry.CollectionFor(status), ro)
				continue
			}
			if err := p.applyTransition(ctx, ro, nil, status); err != nil {
				return err
			}
			continue
		}

		if local.Status == status {
			continue
		}
		if err := p.applyTransition(ctx, ro, local, status); err != nil {
			return err
		}
	}

	if p.cfg.CancelOnMissing {
		p.cancelMissing(ctx, seen)
	}
	return nil
}

// applyTransition replays the event chain that brings the local view onto
// the observed status: NEW first for unseen orders, then the fill/terminal
// transition with incremental quantities.
func (p *Poller) applyTransition(ctx context.Context, remote, local *core.Order, status core.OrderStatus) error {
	if local == nil && status != core.OrderStatusNew {
		if err := p.processor.ProcessEvent(ctx, remote, core.Event{Kind: core.EventNew}); err != nil {
			return err
		}
	}

	kind, ok := lifecycle.EventKindFor(status)
	if !ok {
		return nil
	}

	ev := core.Event{Kind: kind}
	switch kind {
	case core.EventFill, core.EventPartialFill:
		price := remote.AvgFillPrice
		qty := remote.FilledQuantity
		if local != nil {
			// Adapters report cumulative fill quantities; the state
			// machine applies increments.
			qty = qty.Sub(local.FilledQuantity)
		}
		if qty.IsNegative() || (qty.IsZero() && kind == core.EventPartialFill) {
			// Stale or duplicate snapshot for this order.
			return nil
		}
		if kind == core.EventFill && qty.IsZero() {
			qty = remote.Quantity
			if local != nil {
				qty = local.Quantity.Sub(local.FilledQuantity)
			}
		}
		ev.Price = &price
		ev.FilledQuantity = &qty
	case core.EventError:
		ev.Err = remote.Err
		if ev.Err == nil {
			ev.Err = apperrors.ErrOrderRejected
		}
	}

	return p.processor.ProcessEvent(ctx, remote, ev)
}

// cancelMissing treats still-active local orders that the brokerage no
// longer lists as implicitly canceled. Never applied to terminal orders,
// and only to this poller's strategy since the pull is scoped to it.
func (p *Poller) cancelMissing(ctx context.Context, seen map[string]bool) {
	for _, local := range p.registry.ActiveOrders() {
		if local.Strategy != p.cfg.Strategy {
			continue
		}
		if !local.Identified() || seen[local.Identifier] {
			continue
		}
		p.logger.Info("Active order no longer listed by brokerage, canceling",
			"identifier", local.Identifier,
			"asset", local.Asset.Key())
		if err := p.processor.ProcessEvent(ctx, local, core.Event{Kind: core.EventCanceled}); err != nil {
			p.logger.Error("Failed to apply implicit cancel", "identifier", local.Identifier, "error", err)
		}
	}
}

func canonical(o *core.Order) (core.OrderStatus, bool) {
	if o.VendorStatus != "" {
		return lifecycle.CanonicalStatus(o.VendorStatus)
	}
	return o.Status, true
}
