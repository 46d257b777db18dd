// Package broker assembles the lifecycle engine around one brokerage
// adapter: registry, state machine, submission pipeline, reconciliation
// driver and retention cleaner, behind a single facade.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"broker_engine/internal/bus"
	"broker_engine/internal/core"
	"broker_engine/internal/lifecycle"
	"broker_engine/internal/pipeline"
	"broker_engine/internal/reconcile"
	"broker_engine/internal/registry"
	"broker_engine/internal/retention"
	"broker_engine/internal/tradelog"
	"broker_engine/pkg/concurrency"
	apperrors "broker_engine/pkg/errors"
	"broker_engine/pkg/retry"
)

// Config collects the per-instance tuning knobs of a broker.
type Config struct {
	Strategy string

	Pipeline  pipeline.Config
	Retention retention.Config

	// PollInterval drives poll-mode reconciliation when the adapter
	// provides no push stream.
	PollInterval    time.Duration
	CancelOnMissing bool

	// PinnedQuoteAssets are asset keys whose positions are retained even
	// at zero or negative quantity (cash legs of spot-currency trading).
	PinnedQuoteAssets []string

	// StartupTimeout bounds the initial synchronization in Start. Zero
	// waits indefinitely: a stream that never establishes is a startup
	// failure for the operator, not something to bypass.
	StartupTimeout time.Duration
}

// Broker is the facade over one brokerage connection. All tracked state
// lives in its registry; strategies interact only through this type and
// through subscriber callbacks.
type Broker struct {
	adapter core.IBrokerAdapter
	stream  core.IPushStream
	logger  core.ILogger
	cfg     Config

	registry  *registry.Registry
	bus       *bus.Bus
	tradeLog  *tradelog.Log
	processor *lifecycle.Processor
	cleaner   *retention.Cleaner
	pipeline  *pipeline.Pipeline

	poller *reconcile.Poller
	driver *reconcile.StreamDriver

	cancelPool *concurrency.WorkerPool

	mu      sync.Mutex
	started bool
}

// New wires a broker around the adapter. A nil stream selects poll-mode
// reconciliation.
func New(adapter core.IBrokerAdapter, stream core.IPushStream, cfg Config, logger core.ILogger) *Broker {
	log := logger.WithField("broker", adapter.GetName())

	reg := registry.New(log)
	for _, key := range cfg.PinnedQuoteAssets {
		reg.PinQuoteAsset(key)
	}

	b := bus.New(log)
	tl := tradelog.New()
	proc := lifecycle.NewProcessor(reg, b, tl, log)
	cleaner := retention.NewCleaner(reg, cfg.Retention, log)
	pipe := pipeline.New(adapter, reg, proc, cleaner, cfg.Pipeline, log)

	br := &Broker{
		adapter:   adapter,
		stream:    stream,
		logger:    log,
		cfg:       cfg,
		registry:  reg,
		bus:       b,
		tradeLog:  tl,
		processor: proc,
		cleaner:   cleaner,
		pipeline:  pipe,
		cancelPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "batch_cancel",
			MaxWorkers: maxConcurrency(cfg.Pipeline),
		}, log),
	}

	if stream != nil {
		br.driver = reconcile.NewStreamDriver(stream, br, log)
	} else {
		br.poller = reconcile.NewPoller(adapter, reg, proc, reconcile.PollerConfig{
			Interval:        cfg.PollInterval,
			Strategy:        cfg.Strategy,
			CancelOnMissing: cfg.CancelOnMissing,
		}, log)
	}
	return br
}

func maxConcurrency(cfg pipeline.Config) int {
	if cfg.MaxConcurrency > 0 {
		return cfg.MaxConcurrency
	}
	return 4
}

// ProcessEvent routes a lifecycle event into the state machine. Push
// streams and adapters call this through the IEventSink contract.
func (b *Broker) ProcessEvent(ctx context.Context, order *core.Order, ev core.Event) error {
	return b.processor.ProcessEvent(ctx, order, ev)
}

// Subscribe registers the strategy-side listener. One subscriber per
// strategy name; a second registration replaces the first.
func (b *Broker) Subscribe(sub core.ISubscriber) {
	b.bus.Register(sub)
}

// Unsubscribe removes the listener for the strategy name.
func (b *Broker) Unsubscribe(name string) {
	b.bus.Unregister(name)
}

// Start brings the broker online: the submission pipeline first, then the
// reconciliation driver. In push mode the state machine is held during the
// initial snapshot load so live notifications cannot interleave with it;
// held events replay once the snapshot is filed.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("broker %s already started", b.adapter.GetName())
	}

	b.logger.Info("Starting broker", "strategy", b.cfg.Strategy)
	if err := b.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	if b.driver != nil {
		b.processor.Hold()
		if err := b.driver.Start(ctx); err != nil {
			b.processor.Release(ctx)
			return fmt.Errorf("failed to start push stream: %w", err)
		}

		waitCtx := ctx
		var cancelWait context.CancelFunc
		if b.cfg.StartupTimeout > 0 {
			waitCtx, cancelWait = context.WithTimeout(ctx, b.cfg.StartupTimeout)
		}
		err := b.driver.WaitEstablished(waitCtx)
		if cancelWait != nil {
			cancelWait()
		}
		if err != nil {
			b.driver.Stop()
			b.processor.Release(ctx)
			return fmt.Errorf("push stream not established: %w", err)
		}

		if err := b.loadSnapshot(ctx); err != nil {
			b.logger.Warn("Initial snapshot load incomplete", "error", err.Error())
		}
		if err := b.processor.Release(ctx); err != nil {
			return fmt.Errorf("failed to replay held events: %w", err)
		}
	} else {
		syncCtx := ctx
		var cancelSync context.CancelFunc
		if b.cfg.StartupTimeout > 0 {
			syncCtx, cancelSync = context.WithTimeout(ctx, b.cfg.StartupTimeout)
		}
		if err := b.poller.Reconcile(syncCtx); err != nil {
			b.logger.Warn("Initial reconciliation incomplete", "error", err.Error())
		}
		if cancelSync != nil {
			cancelSync()
		}
		if err := b.poller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	b.started = true
	b.logger.Info("Broker started")
	return nil
}

// Stop shuts the broker down in reverse order of Start.
func (b *Broker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}

	b.logger.Info("Stopping broker")
	if b.driver != nil {
		b.driver.Stop()
	}
	if b.poller != nil {
		b.poller.Stop()
	}
	b.pipeline.Stop()
	b.cancelPool.Stop()
	b.started = false
	b.logger.Info("Broker stopped")
	return nil
}

// loadSnapshot files the brokerage's already-settled orders and current
// positions directly, without replaying transitions the strategies never
// observed. Transient pull failures are retried with backoff.
func (b *Broker) loadSnapshot(ctx context.Context) error {
	var orders []*core.Order
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		var err error
		orders, err = b.adapter.PullAllOrders(ctx, b.cfg.Strategy)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pull orders: %w", err)
	}

	var positions []*core.Position
	err = retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		var err error
		positions, err = b.adapter.PullPositions(ctx, b.cfg.Strategy)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pull positions: %w", err)
	}

	b.registry.Update(func(tx *registry.Tx) {
		for _, o := range orders {
			if o.Strategy == "" {
				o.Strategy = b.cfg.Strategy
			}
			tx.Append(registry.CollectionFor(o.Status), o)
		}
		for _, p := range positions {
			if p.Strategy == "" {
				p.Strategy = b.cfg.Strategy
			}
			if p.Quantity.IsZero() && !tx.IsPinned(p.Asset.Key()) {
				continue
			}
			tx.UpsertPosition(p)
		}
	})
	b.logger.Info("Initial snapshot loaded", "orders", len(orders), "positions", len(positions))
	return nil
}

// SubmitOrder enqueues the order for transmission and returns immediately.
// The outcome is reported through the order's status and subscriber events,
// never through the return value.
func (b *Broker) SubmitOrder(order *core.Order) *core.Order {
	if order.Strategy == "" {
		order.Strategy = b.cfg.Strategy
	}
	return b.pipeline.Submit(order)
}

// SubmitOrders transmits the batch concurrently and returns when every leg
// has been placed or marked errored.
func (b *Broker) SubmitOrders(ctx context.Context, orders []*core.Order) []*core.Order {
	for _, o := range orders {
		if o.Strategy == "" {
			o.Strategy = b.cfg.Strategy
		}
	}
	return b.pipeline.SubmitMany(ctx, orders)
}

// CancelOrder requests cancellation at the brokerage. Best-effort: the
// order only transitions to CANCELED when the brokerage confirms through
// reconciliation or the push stream.
func (b *Broker) CancelOrder(ctx context.Context, order *core.Order) error {
	if !order.Identified() {
		return fmt.Errorf("order %s has no brokerage identifier", order.ClientID)
	}
	if err := b.adapter.CancelOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", order.Identifier, err)
	}
	return nil
}

// CancelOpenOrders requests cancellation of every active tracked order,
// fanning requests out over a bounded pool. It returns the orders for
// which the cancel request itself failed.
func (b *Broker) CancelOpenOrders(ctx context.Context) []*core.Order {
	active := b.registry.ActiveOrders()

	var (
		mu     sync.Mutex
		failed []*core.Order
		wg     sync.WaitGroup
	)
	for _, order := range active {
		o := order
		if !o.Identified() {
			continue
		}
		wg.Add(1)
		if err := b.cancelPool.Submit(func() {
			defer wg.Done()
			if err := b.CancelOrder(ctx, o); err != nil {
				b.logger.Warn("Cancel request failed",
					"identifier", o.Identifier, "error", err.Error())
				mu.Lock()
				failed = append(failed, o)
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			failed = append(failed, o)
			mu.Unlock()
		}
	}
	wg.Wait()
	return failed
}

// ModifyOrder adjusts the working prices of an active order in place at
// the brokerage.
func (b *Broker) ModifyOrder(ctx context.Context, order *core.Order, limitPrice, stopPrice *decimal.Decimal) error {
	if !order.Identified() {
		return fmt.Errorf("order %s has no brokerage identifier", order.ClientID)
	}
	if err := b.adapter.ModifyOrder(ctx, order, limitPrice, stopPrice); err != nil {
		return fmt.Errorf("failed to modify order %s: %w", order.Identifier, err)
	}
	b.registry.Update(func(tx *registry.Tx) {
		if limitPrice != nil {
			order.LimitPrice = limitPrice
		}
		if stopPrice != nil {
			order.StopPrice = stopPrice
		}
		order.Touch()
	})
	return nil
}

// GetTrackedOrders returns a snapshot of the named collection.
func (b *Broker) GetTrackedOrders(collection string) []*core.Order {
	return b.registry.List(collection)
}

// GetActiveOrders returns a snapshot of every non-terminal tracked order.
func (b *Broker) GetActiveOrders() []*core.Order {
	return b.registry.ActiveOrders()
}

// FindOrder locates a tracked order by brokerage or client identifier.
func (b *Broker) FindOrder(identifier string) (*core.Order, string) {
	return b.registry.FindOrder(identifier)
}

// GetTrackedPositions returns the tracked positions for the strategy
// ("" matches all).
func (b *Broker) GetTrackedPositions(strategy string) []*core.Position {
	return b.registry.Positions(strategy)
}

// GetTrackedPosition returns the position for one (strategy, asset) pair,
// or nil.
func (b *Broker) GetTrackedPosition(strategy, assetKey string) *core.Position {
	return b.registry.Position(strategy, assetKey)
}

// GetBalances returns the adapter's account snapshot denominated in the
// quote asset.
func (b *Broker) GetBalances(ctx context.Context, quote core.Asset) (core.Balances, error) {
	return b.adapter.GetBalances(ctx, quote, b.cfg.Strategy)
}

// TradeLog exposes the in-memory trade-event log.
func (b *Broker) TradeLog() *tradelog.Log {
	return b.tradeLog
}

// ExportTradeLog writes the trade-event log as CSV to the given path.
func (b *Broker) ExportTradeLog(path string) error {
	return b.tradeLog.ExportCSV(path)
}

// ForceCleanup runs a retention pass immediately.
func (b *Broker) ForceCleanup(ctx context.Context) {
	b.cleaner.Cleanup(ctx)
}

// Reconcile triggers a single poll-mode reconciliation pass on demand.
// No-op in push mode.
func (b *Broker) Reconcile(ctx context.Context) error {
	if b.poller == nil {
		return nil
	}
	return b.poller.Reconcile(ctx)
}
