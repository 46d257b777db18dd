// Package registry holds the broker instance's tracked orders and positions.
// All named collections share one lock so that moving an order between
// collections is a single critical section; nothing outside this package may
// mutate tracked state directly.
package registry

import (
	"sync"

	"broker_engine/internal/core"
	"broker_engine/pkg/telemetry"
)

// Collection names. Unprocessed, new and partially-filled are active;
// filled, canceled and error are terminal; placeholder anchors child orders.
const (
	CollectionUnprocessed     = "unprocessed"
	CollectionNew             = "new"
	CollectionPartiallyFilled = "partially_filled"
	CollectionFilled          = "filled"
	CollectionCanceled        = "canceled"
	CollectionError           = "error"
	CollectionPlaceholder     = "placeholder"
)

// ActiveCollections are the collections holding non-terminal orders.
var ActiveCollections = []string{CollectionUnprocessed, CollectionNew, CollectionPartiallyFilled}

// TerminalCollections are the collections subject to retention policies.
var TerminalCollections = []string{CollectionFilled, CollectionCanceled, CollectionError}

var allCollections = []string{
	CollectionUnprocessed, CollectionNew, CollectionPartiallyFilled,
	CollectionFilled, CollectionCanceled, CollectionError, CollectionPlaceholder,
}

// CollectionFor maps a canonical status onto the collection that holds it.
func CollectionFor(status core.OrderStatus) string {
	switch status {
	case core.OrderStatusNew:
		return CollectionNew
	case core.OrderStatusPartiallyFilled:
		return CollectionPartiallyFilled
	case core.OrderStatusFilled, core.OrderStatusCashSettled:
		return CollectionFilled
	case core.OrderStatusCanceled:
		return CollectionCanceled
	case core.OrderStatusError:
		return CollectionError
	case core.OrderStatusPlaceholder:
		return CollectionPlaceholder
	default:
		return CollectionUnprocessed
	}
}

// Registry is the thread-safe set of tracked collections for one broker
// instance.
type Registry struct {
	mu          sync.Mutex
	collections map[string][]*core.Order
	positions   map[string]*core.Position
	pinned      map[string]bool // asset keys retained at zero quantity
	logger      core.ILogger
}

// New creates an empty registry.
func New(logger core.ILogger) *Registry {
	collections := make(map[string][]*core.Order, len(allCollections))
	for _, name := range allCollections {
		collections[name] = nil
	}
	return &Registry{
		collections: collections,
		positions:   make(map[string]*core.Position),
		pinned:      make(map[string]bool),
		logger:      logger.WithField("component", "registry"),
	}
}

// Update runs fn while holding the registry lock. Compound transitions
// (move an order, mutate it, mutate a position) go through here so they are
// observed atomically.
func (r *Registry) Update(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&Tx{r: r})
	r.publishGaugesLocked()
}

// Tx is a view of the registry valid only inside an Update callback.
type Tx struct {
	r *Registry
}

// Append adds an order to the named collection. The order is first removed
// from any other collection it occupies, preserving mutual exclusivity.
func (tx *Tx) Append(collection string, o *core.Order) {
	tx.r.removeOrderLocked(o)
	tx.r.collections[collection] = append(tx.r.collections[collection], o)
}

// Remove drops the order with the given brokerage identifier from the named
// collection. Removing an absent identifier is a no-op: concurrent
// transitions may race to remove the same order from a stale collection.
func (tx *Tx) Remove(collection, identifier string) *core.Order {
	return tx.r.removeByIDLocked(collection, identifier)
}

// Move re-files the order into the destination collection atomically.
func (tx *Tx) Move(o *core.Order, to string) {
	tx.Append(to, o)
}

// Collection returns the live slice; callers must not retain it past the
// Update callback.
func (tx *Tx) Collection(name string) []*core.Order {
	return tx.r.collections[name]
}

// SetCollection replaces the contents of a collection. Used by retention,
// which computes survivors inside the same critical section.
func (tx *Tx) SetCollection(name string, orders []*core.Order) {
	tx.r.collections[name] = orders
}

// Positions returns the live position map; callers must not retain it past
// the Update callback.
func (tx *Tx) Positions() map[string]*core.Position {
	return tx.r.positions
}

// Find locates an order by brokerage or client identifier.
func (tx *Tx) Find(identifier string) (*core.Order, string) {
	return tx.r.findLocked(identifier)
}

// InActiveCollection reports whether the order currently occupies one of the
// non-terminal collections.
func (tx *Tx) InActiveCollection(o *core.Order) bool {
	for _, name := range ActiveCollections {
		for _, other := range tx.r.collections[name] {
			if other == o || sameOrder(other, o) {
				return true
			}
		}
	}
	return false
}

// Position returns the tracked position for the pair, or nil.
func (tx *Tx) Position(strategy, assetKey string) *core.Position {
	return tx.r.positions[strategy+":"+assetKey]
}

// UpsertPosition files the position under its key.
func (tx *Tx) UpsertPosition(p *core.Position) {
	tx.r.positions[p.Key()] = p
}

// RemovePosition drops the position unless its asset is pinned. Removal of
// an absent key is a no-op.
func (tx *Tx) RemovePosition(strategy, assetKey string) {
	if tx.r.pinned[assetKey] {
		return
	}
	delete(tx.r.positions, strategy+":"+assetKey)
}

// IsPinned reports whether the asset key is a pinned quote asset.
func (tx *Tx) IsPinned(assetKey string) bool {
	return tx.r.pinned[assetKey]
}

// Append adds an order to the named collection.
func (r *Registry) Append(collection string, o *core.Order) {
	r.Update(func(tx *Tx) { tx.Append(collection, o) })
}

// Remove drops the identified order from the collection; absent identifiers
// are ignored.
func (r *Registry) Remove(collection, identifier string) *core.Order {
	var removed *core.Order
	r.Update(func(tx *Tx) { removed = tx.Remove(collection, identifier) })
	return removed
}

// List returns a defensive copy of the named collection so callers may
// iterate without holding the lock.
func (r *Registry) List(collection string) []*core.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.collections[collection]
	out := make([]*core.Order, len(src))
	copy(out, src)
	return out
}

// ActiveOrders returns a snapshot of every non-terminal tracked order.
func (r *Registry) ActiveOrders() []*core.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Order
	for _, name := range ActiveCollections {
		out = append(out, r.collections[name]...)
	}
	return out
}

// FindOrder locates a tracked order by brokerage or client identifier and
// names the collection holding it.
func (r *Registry) FindOrder(identifier string) (*core.Order, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(identifier)
}

// Counts reports the size of every collection.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.collections))
	for name, orders := range r.collections {
		out[name] = len(orders)
	}
	return out
}

// ReplaceCollection swaps the contents of a collection. Used by the cleaner,
// which computes survivors outside the lock.
func (r *Registry) ReplaceCollection(collection string, orders []*core.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[collection] = orders
	r.publishGaugesLocked()
}

// PinQuoteAsset marks an asset key as pinned: its position survives
// reconciliation and cleanup even at zero or negative balance.
func (r *Registry) PinQuoteAsset(assetKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[assetKey] = true
}

// IsPinned reports whether the asset key is pinned.
func (r *Registry) IsPinned(assetKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pinned[assetKey]
}

// Positions returns a snapshot of tracked positions, optionally filtered by
// strategy ("" matches all).
func (r *Registry) Positions(strategy string) []*core.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Position
	for _, p := range r.positions {
		if strategy == "" || p.Strategy == strategy {
			out = append(out, p)
		}
	}
	return out
}

// Position returns the tracked position for the pair, or nil.
func (r *Registry) Position(strategy, assetKey string) *core.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions[strategy+":"+assetKey]
}

func (r *Registry) findLocked(identifier string) (*core.Order, string) {
	if identifier == "" {
		return nil, ""
	}
	for _, name := range allCollections {
		for _, o := range r.collections[name] {
			if o.Identifier == identifier || o.ClientID == identifier {
				return o, name
			}
		}
	}
	return nil, ""
}

func (r *Registry) removeByIDLocked(collection, identifier string) *core.Order {
	orders := r.collections[collection]
	for i, o := range orders {
		if o.Identifier == identifier || o.ClientID == identifier {
			r.collections[collection] = append(orders[:i:i], orders[i+1:]...)
			return o
		}
	}
	return nil
}

func (r *Registry) removeOrderLocked(target *core.Order) {
	for _, name := range allCollections {
		orders := r.collections[name]
		for i, o := range orders {
			if o == target || sameOrder(o, target) {
				r.collections[name] = append(orders[:i:i], orders[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) publishGaugesLocked() {
	m := telemetry.GetGlobalMetrics()
	for name, orders := range r.collections {
		m.SetTrackedOrders(name, int64(len(orders)))
	}
	perStrategy := make(map[string]int64)
	for _, p := range r.positions {
		perStrategy[p.Strategy]++
	}
	// Wholesale replacement: a strategy that just went flat must drop out
	// of the gauge, not keep reporting its old count.
	m.ReplaceTrackedPositions(perStrategy)
}

func sameOrder(a, b *core.Order) bool {
	if a.ClientID != "" && a.ClientID == b.ClientID {
		return true
	}
	return a.Identifier != "" && a.Identifier == b.Identifier
}
