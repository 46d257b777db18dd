package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"broker_engine/internal/bus"
	"broker_engine/internal/core"
	"broker_engine/internal/lifecycle"
	"broker_engine/internal/mock"
	"broker_engine/internal/registry"
	"broker_engine/internal/tradelog"
	"broker_engine/pkg/logging"
)

func newTestPoller(t *testing.T, cancelOnMissing bool) (*Poller, *mock.Adapter, *registry.Registry, *lifecycle.Processor) {
	t.Helper()
	logger := logging.NewLogger(logging.ErrorLevel)
	reg := registry.New(logger)
	proc := lifecycle.NewProcessor(reg, bus.New(logger), tradelog.New(), logger)
	adapter := mock.NewAdapter("test")
	p := NewPoller(adapter, reg, proc, PollerConfig{
		Strategy:        "alpha",
		CancelOnMissing: cancelOnMissing,
	}, logger)
	return p, adapter, reg, proc
}

func submitToBook(t *testing.T, adapter *mock.Adapter, qty int64) *core.Order {
	t.Helper()
	o := core.NewOrder("alpha", core.Asset{Symbol: "SPY"}, core.OrderSideBuy, decimal.NewFromInt(qty), core.OrderTypeLimit)
	price := decimal.NewFromInt(100)
	o.LimitPrice = &price
	if _, err := adapter.SubmitOrder(context.Background(), o); err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	return o
}

func TestPoller_DiscoversUntrackedOrder(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, false)
	o := submitToBook(t, adapter, 10)

	// Second poll so first-poll fast-forward does not apply to the
	// active order (it would not anyway, being non-terminal).
	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	tracked, collection := reg.FindOrder(o.Identifier)
	if tracked == nil {
		t.Fatal("Expected brokerage order to be tracked after reconcile")
	}
	if collection != registry.CollectionNew {
		t.Errorf("Expected discovered order in new collection, got %q", collection)
	}
	if tracked.Status != core.OrderStatusNew {
		t.Errorf("Expected status new, got %v", tracked.Status)
	}
}

func TestPoller_FirstPollFastForwardsTerminalOrders(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, false)
	o := submitToBook(t, adapter, 10)
	if err := adapter.Fill(o.Identifier, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	tracked, collection := reg.FindOrder(o.Identifier)
	if tracked == nil || collection != registry.CollectionFilled {
		t.Fatalf("Expected settled order filed into filled, got %v in %q", tracked, collection)
	}
	// Fast-forward files history directly: the fill is not replayed as a
	// lifecycle event, so the position comes from the position snapshot.
	pos := reg.Position("alpha", "SPY")
	if pos == nil {
		t.Fatal("Expected position from the brokerage snapshot")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected position quantity 10, got %s", pos.Quantity)
	}
}

func TestPoller_TransitionsTrackedOrderOnFill(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, false)
	ctx := context.Background()

	o := submitToBook(t, adapter, 10)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	tracked, _ := reg.FindOrder(o.Identifier)
	if tracked == nil || tracked.Status != core.OrderStatusNew {
		t.Fatalf("Setup failed, tracked = %v", tracked)
	}

	if err := adapter.Fill(o.Identifier, decimal.NewFromInt(101)); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	if tracked.Status != core.OrderStatusFilled {
		t.Errorf("Expected filled after poll, got %v", tracked.Status)
	}
	if !tracked.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected filled quantity 10, got %s", tracked.FilledQuantity)
	}
	pos := reg.Position("alpha", "SPY")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Expected position quantity 10, got %v", pos)
	}
}

func TestPoller_IncrementalFillAcrossPolls(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, false)
	ctx := context.Background()

	o := submitToBook(t, adapter, 10)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	if err := adapter.PartialFill(o.Identifier, decimal.NewFromInt(4), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("PartialFill failed: %v", err)
	}
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	tracked, _ := reg.FindOrder(o.Identifier)
	if tracked.Status != core.OrderStatusPartiallyFilled {
		t.Fatalf("Expected partially_filled, got %v", tracked.Status)
	}
	if !tracked.FilledQuantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("Expected filled quantity 4, got %s", tracked.FilledQuantity)
	}

	if err := adapter.PartialFill(o.Identifier, decimal.NewFromInt(6), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("second PartialFill failed: %v", err)
	}
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("third reconcile: %v", err)
	}

	if tracked.Status != core.OrderStatusFilled {
		t.Errorf("Expected filled, got %v", tracked.Status)
	}
	// The increment is 10-4=6, never the cumulative 10 again.
	if !tracked.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected cumulative 10, got %s", tracked.FilledQuantity)
	}
	pos := reg.Position("alpha", "SPY")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Expected position 10, got %v", pos)
	}
}

func TestPoller_MissingActiveOrderCanceledOnce(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, true)
	ctx := context.Background()

	o := submitToBook(t, adapter, 10)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	tracked, _ := reg.FindOrder(o.Identifier)

	adapter.Drop(o.Identifier)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	if tracked.Status != core.OrderStatusCanceled {
		t.Errorf("Expected disappeared order canceled, got %v", tracked.Status)
	}
	if n := len(reg.List(registry.CollectionCanceled)); n != 1 {
		t.Errorf("Expected one canceled order, got %d", n)
	}

	// Subsequent polls must not touch it again.
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("third reconcile: %v", err)
	}
	if n := len(reg.List(registry.CollectionCanceled)); n != 1 {
		t.Errorf("Expected canceled order untouched, got %d", n)
	}
}

func TestPoller_MissingOrderKeptWithoutCancelOnMissing(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, false)
	ctx := context.Background()

	o := submitToBook(t, adapter, 10)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	adapter.Drop(o.Identifier)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	tracked, _ := reg.FindOrder(o.Identifier)
	if tracked == nil || tracked.Status != core.OrderStatusNew {
		t.Errorf("Order must stay tracked when the policy is off, got %v", tracked)
	}
}

func TestPoller_StaleOpenSnapshotAfterFillIsNoOp(t *testing.T) {
	p, adapter, reg, proc := newTestPoller(t, false)
	ctx := context.Background()

	o := submitToBook(t, adapter, 10)
	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	tracked, _ := reg.FindOrder(o.Identifier)

	// A push fill lands before the next poll; the brokerage's order list
	// still reports the order as open for one more cycle.
	price := decimal.NewFromInt(101)
	qty := decimal.NewFromInt(10)
	if err := proc.ProcessEvent(ctx, tracked, core.Event{Kind: core.EventFill, Price: &price, FilledQuantity: &qty}); err != nil {
		t.Fatalf("push fill: %v", err)
	}

	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("stale reconcile: %v", err)
	}

	if tracked.Status != core.OrderStatusFilled {
		t.Errorf("Stale snapshot regressed the order: status = %v", tracked.Status)
	}
	if n := len(reg.List(registry.CollectionFilled)); n != 1 {
		t.Errorf("Expected order to stay in filled collection, got %d", n)
	}
	if n := len(reg.List(registry.CollectionNew)); n != 0 {
		t.Errorf("Expected new collection empty, got %d", n)
	}
}

func TestPoller_OtherStrategyStateUntouched(t *testing.T) {
	p, _, reg, _ := newTestPoller(t, true)

	// A second strategy shares the registry; its pulls are scoped
	// elsewhere, so this poller must leave its state alone.
	reg.Update(func(tx *registry.Tx) {
		tx.UpsertPosition(core.NewPosition("beta", core.Asset{Symbol: "QQQ"}, decimal.NewFromInt(7), decimal.NewFromInt(300)))
	})
	other := core.NewOrder("beta", core.Asset{Symbol: "QQQ"}, core.OrderSideBuy, decimal.NewFromInt(1), core.OrderTypeLimit)
	other.Identifier = "beta-1"
	other.Status = core.OrderStatusNew
	reg.Append(registry.CollectionNew, other)

	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if reg.Position("beta", "QQQ") == nil {
		t.Error("Other strategy's position must not be dropped")
	}
	if other.Status != core.OrderStatusNew {
		t.Errorf("Other strategy's order must not be canceled, got %v", other.Status)
	}
	if n := len(reg.List(registry.CollectionCanceled)); n != 0 {
		t.Errorf("Expected no implicit cancels, got %d", n)
	}
}

func TestPoller_PositionCorrection(t *testing.T) {
	p, adapter, reg, _ := newTestPoller(t, false)
	ctx := context.Background()

	// Locally tracked position the brokerage disagrees with.
	reg.Update(func(tx *registry.Tx) {
		tx.UpsertPosition(core.NewPosition("alpha", core.Asset{Symbol: "SPY"}, decimal.NewFromInt(3), decimal.NewFromInt(90)))
	})

	o := submitToBook(t, adapter, 10)
	if err := adapter.Fill(o.Identifier, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	pos := reg.Position("alpha", "SPY")
	if pos == nil {
		t.Fatal("Expected position to remain tracked")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected corrected quantity 10, got %s", pos.Quantity)
	}
}

func TestPoller_DroppedPositionRemoved(t *testing.T) {
	p, _, reg, _ := newTestPoller(t, false)

	reg.Update(func(tx *registry.Tx) {
		tx.UpsertPosition(core.NewPosition("alpha", core.Asset{Symbol: "GONE"}, decimal.NewFromInt(5), decimal.NewFromInt(10)))
	})

	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if reg.Position("alpha", "GONE") != nil {
		t.Error("Position absent from the brokerage must be dropped")
	}
}

func TestPoller_PinnedPositionSurvivesAbsence(t *testing.T) {
	p, _, reg, _ := newTestPoller(t, false)
	reg.PinQuoteAsset("USD")

	reg.Update(func(tx *registry.Tx) {
		tx.UpsertPosition(core.NewPosition("alpha", core.Asset{Symbol: "USD"}, decimal.NewFromInt(-500), decimal.NewFromInt(1)))
	})

	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	pos := reg.Position("alpha", "USD")
	if pos == nil {
		t.Fatal("Pinned quote position must survive reconciliation")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(-500)) {
		t.Errorf("Pinned quantity must be untouched, got %s", pos.Quantity)
	}
}
