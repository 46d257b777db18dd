// Package retention bounds registry growth over long-running sessions by
// pruning terminal collections under a per-collection policy.
package retention

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"broker_engine/internal/core"
	"broker_engine/internal/registry"
	"broker_engine/pkg/telemetry"
)

// Policy configures pruning for one terminal collection. Zero MaxAge or
// MaxCount means no limit on that axis; MinKeep newest items always survive.
type Policy struct {
	MaxAge   time.Duration
	MaxCount int
	MinKeep  int
}

// Config holds the retention policy per terminal collection plus the
// automatic trigger cadence.
type Config struct {
	FilledOrders   Policy
	CanceledOrders Policy
	ErrorOrders    Policy
	Positions      Policy

	// EveryNIterations triggers an automatic pass after this many
	// submission-pipeline iterations.
	EveryNIterations int
}

// DefaultConfig mirrors the engine defaults: a week of history, generous
// counts, automatic cleanup every 100 pipeline iterations.
func DefaultConfig() Config {
	week := 7 * 24 * time.Hour
	p := Policy{MaxAge: week, MaxCount: 1000, MinKeep: 10}
	return Config{
		FilledOrders:     p,
		CanceledOrders:   p,
		ErrorOrders:      p,
		Positions:        Policy{MaxAge: week, MaxCount: 500, MinKeep: 10},
		EveryNIterations: 100,
	}
}

// Cleaner prunes the registry's terminal collections. Failures are logged
// and never propagate: cleanup must not interrupt trading.
type Cleaner struct {
	registry *registry.Registry
	config   Config
	logger   core.ILogger

	iterations atomic.Int64
}

// NewCleaner creates a cleaner bound to the registry.
func NewCleaner(reg *registry.Registry, cfg Config, logger core.ILogger) *Cleaner {
	if cfg.EveryNIterations <= 0 {
		cfg.EveryNIterations = 100
	}
	return &Cleaner{
		registry: reg,
		config:   cfg,
		logger:   logger.WithField("component", "cleaner"),
	}
}

// Tick records one pipeline iteration and runs a pass on every Nth call.
func (c *Cleaner) Tick(ctx context.Context) {
	n := c.iterations.Add(1)
	if n%int64(c.config.EveryNIterations) == 0 {
		c.Cleanup(ctx)
	}
}

// Cleanup performs a single pruning pass over all terminal collections and
// tracked positions. Safe to invoke on demand by operators.
func (c *Cleaner) Cleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Cleanup pass panicked", "panic", r)
		}
	}()

	now := time.Now()
	var pruned int

	policies := map[string]Policy{
		registry.CollectionFilled:   c.config.FilledOrders,
		registry.CollectionCanceled: c.config.CanceledOrders,
		registry.CollectionError:    c.config.ErrorOrders,
	}

	c.registry.Update(func(tx *registry.Tx) {
		for name, policy := range policies {
			orders := tx.Collection(name)
			kept, dropped := applyOrderPolicy(orders, policy, now)
			if dropped > 0 {
				tx.SetCollection(name, kept)
				pruned += dropped
				c.logger.Info("Pruned terminal collection",
					"collection", name,
					"dropped", dropped,
					"kept", len(kept))
			}
		}

		pruned += c.prunePositionsLocked(tx, now)
	})

	if pruned > 0 {
		if m := telemetry.GetGlobalMetrics(); m.CleanupPrunedTotal != nil {
			m.CleanupPrunedTotal.Add(ctx, int64(pruned))
		}
	}
}

// applyOrderPolicy ranks items by most-recent timestamp descending, always
// keeps the MinKeep newest, then drops anything older than MaxAge or ranked
// beyond MaxCount.
func applyOrderPolicy(orders []*core.Order, policy Policy, now time.Time) ([]*core.Order, int) {
	if len(orders) == 0 {
		return orders, 0
	}

	ranked := make([]*core.Order, len(orders))
	copy(ranked, orders)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
	})

	kept := ranked[:0:0]
	for rank, o := range ranked {
		if keepAtRank(rank, now.Sub(o.UpdatedAt), policy) {
			kept = append(kept, o)
		}
	}
	return kept, len(ranked) - len(kept)
}

func (c *Cleaner) prunePositionsLocked(tx *registry.Tx, now time.Time) int {
	policy := c.config.Positions
	positions := tx.Positions()
	if len(positions) == 0 {
		return 0
	}

	type entry struct {
		key string
		p   *core.Position
	}
	ranked := make([]entry, 0, len(positions))
	for k, p := range positions {
		if tx.IsPinned(p.Asset.Key()) {
			continue
		}
		ranked = append(ranked, entry{key: k, p: p})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].p.UpdatedAt.After(ranked[j].p.UpdatedAt)
	})

	dropped := 0
	for rank, e := range ranked {
		if !keepAtRank(rank, now.Sub(e.p.UpdatedAt), policy) {
			delete(positions, e.key)
			dropped++
		}
	}
	return dropped
}

func keepAtRank(rank int, age time.Duration, policy Policy) bool {
	if rank < policy.MinKeep {
		return true
	}
	if policy.MaxCount > 0 && rank >= policy.MaxCount {
		return false
	}
	if policy.MaxAge > 0 && age > policy.MaxAge {
		return false
	}
	return true
}
