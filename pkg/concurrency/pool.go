// Package concurrency wraps alitto/pond behind the engine's pool shape:
// named bounded pools with panic recovery into the logger, used for batch
// submission and batch cancellation fan-out.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"broker_engine/internal/core"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit return an error instead of blocking when
	// the queue is full.
	NonBlocking bool
}

// WorkerPool is a bounded pool of goroutines with a task queue.
type WorkerPool struct {
	pool   *pond.WorkerPool
	cfg    PoolConfig
	logger core.ILogger
}

// NewWorkerPool creates a pool. Zero config fields get safe defaults.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Worker pool panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, cfg: cfg, logger: log}
}

// Submit queues one task. Blocking pools always accept; non-blocking pools
// report a full queue.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.cfg.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.cfg.Name, wp.cfg.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Group returns a task group for batches that must be awaited together.
func (wp *WorkerPool) Group() *pond.TaskGroup {
	return wp.pool.Group()
}

// Stop waits for queued tasks and releases the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
