// Package pipeline serializes order submission into the adapter and files
// transmitted orders back into the registry.
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"broker_engine/internal/core"
	"broker_engine/internal/lifecycle"
	"broker_engine/internal/registry"
	"broker_engine/internal/retention"
	"broker_engine/pkg/concurrency"
	"broker_engine/pkg/telemetry"
)

// Config holds pipeline tuning knobs.
type Config struct {
	// MaxConcurrency sizes the worker pool used for batch submission.
	MaxConcurrency int
	// RateLimit caps adapter placement calls per second; zero disables.
	RateLimit float64
	RateBurst int
}

// Pipeline owns the unbounded submission queue and its single consumer.
// Single-order submissions are FIFO per broker instance because some
// brokerages reject or misorder rapidly-fired dependent orders; batch legs
// are typically independent and fan out over a bounded pool instead.
type Pipeline struct {
	adapter   core.IBrokerAdapter
	registry  *registry.Registry
	processor *lifecycle.Processor
	cleaner   *retention.Cleaner
	logger    core.ILogger

	limiter   *rate.Limiter
	batchPool *concurrency.WorkerPool

	queueMu sync.Mutex
	queue   []*core.Order
	wake    *sync.Cond
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. Start must be called before submissions flow.
func New(
	adapter core.IBrokerAdapter,
	reg *registry.Registry,
	processor *lifecycle.Processor,
	cleaner *retention.Cleaner,
	cfg Config,
	logger core.ILogger,
) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	p := &Pipeline{
		adapter:   adapter,
		registry:  reg,
		processor: processor,
		cleaner:   cleaner,
		logger:    logger.WithField("component", "pipeline"),
		limiter:   limiter,
		batchPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "batch_submit",
			MaxWorkers: cfg.MaxConcurrency,
		}, logger),
	}
	p.wake = sync.NewCond(&p.queueMu)
	return p
}

// Start launches the consumer goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.logger.Info("Starting submission pipeline")
	p.wg.Add(1)
	go p.consume()
	return nil
}

// Stop drains nothing: it cancels the consumer, wakes it, and waits.
func (p *Pipeline) Stop() error {
	p.logger.Info("Stopping submission pipeline")
	if p.cancel != nil {
		p.cancel()
	}
	p.queueMu.Lock()
	p.closed = true
	p.queueMu.Unlock()
	p.wake.Broadcast()
	p.wg.Wait()
	p.batchPool.Stop()
	return nil
}

// Submit enqueues a single order for FIFO transmission and returns it
// immediately. The returned order always reflects the submission outcome
// eventually: rejections terminate it in the error collection, they are
// never raised to the caller.
func (p *Pipeline) Submit(order *core.Order) *core.Order {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.closed {
		p.logger.Warn("Submission after pipeline stop ignored", "client_id", order.ClientID)
		return order
	}
	p.queue = append(p.queue, order)
	p.wake.Signal()
	return order
}

// SubmitMany fans the batch out over the bounded pool as one task group,
// waits for every leg, and returns all orders in their original positions.
func (p *Pipeline) SubmitMany(ctx context.Context, orders []*core.Order) []*core.Order {
	group := p.batchPool.Group()
	for _, order := range orders {
		o := order
		group.Submit(func() {
			p.transmit(ctx, o)
		})
	}
	group.Wait()
	p.cleaner.Tick(ctx)
	return orders
}

// QueueLen reports the number of orders awaiting transmission.
func (p *Pipeline) QueueLen() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) consume() {
	defer p.wg.Done()

	for {
		order, drained, ok := p.next()
		if !ok {
			return
		}

		p.transmit(p.ctx, order)

		if drained {
			p.cleaner.Tick(p.ctx)
		}
	}
}

// next blocks until an order is available or the pipeline stops. It reports
// whether the dequeued order emptied the queue.
func (p *Pipeline) next() (*core.Order, bool, bool) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.wake.Wait()
	}
	if p.closed && len(p.queue) == 0 {
		return nil, false, false
	}

	order := p.queue[0]
	p.queue = p.queue[1:]
	return order, len(p.queue) == 0, true
}

// transmit places the order and every child produced by order splitting.
// Each leg is filed into the unprocessed collection before the adapter call
// so that push notifications arriving mid-placement resolve to the tracked
// instance. Rejections mark the leg ERROR via the state machine; the
// pipeline never retries.
func (p *Pipeline) transmit(ctx context.Context, order *core.Order) {
	for _, leg := range order.Flatten() {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		p.registry.Append(registry.CollectionUnprocessed, leg)

		submitted, err := p.adapter.SubmitOrder(ctx, leg)
		if err != nil {
			p.logger.Error("Order placement failed",
				"client_id", leg.ClientID,
				"asset", leg.Asset.Key(),
				"error", err)
			if perr := p.processor.ProcessEvent(ctx, leg, core.Event{Kind: core.EventError, Err: err}); perr != nil {
				p.logger.Error("Failed to record placement error", "client_id", leg.ClientID, "error", perr)
			}
			continue
		}

		if m := telemetry.GetGlobalMetrics(); m.OrdersSubmittedTotal != nil {
			m.OrdersSubmittedTotal.Add(ctx, 1)
		}
		p.logger.Debug("Order transmitted",
			"client_id", submitted.ClientID,
			"identifier", submitted.Identifier,
			"asset", submitted.Asset.Key())
	}
}
