package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"broker_engine/internal/core"
	"broker_engine/internal/registry"
	"broker_engine/pkg/logging"
)

func terminalOrder(id string, age time.Duration) *core.Order {
	o := core.NewOrder("alpha", core.Asset{Symbol: "SPY"}, core.OrderSideBuy, decimal.NewFromInt(1), core.OrderTypeLimit)
	o.Identifier = id
	o.Status = core.OrderStatusFilled
	o.UpdatedAt = time.Now().Add(-age)
	return o
}

func TestCleaner_CountPruning(t *testing.T) {
	logger := logging.NewLogger(logging.ErrorLevel)
	reg := registry.New(logger)

	// 10 recent orders against a max of 5: the 5 oldest go, the newest
	// 5 stay (min keep 2 is already satisfied by rank).
	for i := 0; i < 10; i++ {
		reg.Append(registry.CollectionFilled, terminalOrder(fmt.Sprintf("ord-%d", i), time.Duration(i)*time.Minute))
	}

	cfg := DefaultConfig()
	cfg.FilledOrders = Policy{MaxAge: 7 * 24 * time.Hour, MaxCount: 5, MinKeep: 2}
	cleaner := NewCleaner(reg, cfg, logger)
	cleaner.Cleanup(context.Background())

	kept := reg.List(registry.CollectionFilled)
	if len(kept) != 5 {
		t.Fatalf("Expected 5 survivors, got %d", len(kept))
	}
	for _, o := range kept {
		if time.Since(o.UpdatedAt) > 5*time.Minute {
			t.Errorf("Expected only the newest orders kept, found %s aged %s", o.Identifier, time.Since(o.UpdatedAt))
		}
	}
}

func TestCleaner_AgePruningRespectsMinKeep(t *testing.T) {
	logger := logging.NewLogger(logging.ErrorLevel)
	reg := registry.New(logger)

	// Every order is past the age limit; the two newest survive anyway.
	for i := 0; i < 4; i++ {
		reg.Append(registry.CollectionFilled, terminalOrder(fmt.Sprintf("old-%d", i), time.Duration(8+i)*24*time.Hour))
	}

	cfg := DefaultConfig()
	cfg.FilledOrders = Policy{MaxAge: 7 * 24 * time.Hour, MaxCount: 100, MinKeep: 2}
	cleaner := NewCleaner(reg, cfg, logger)
	cleaner.Cleanup(context.Background())

	kept := reg.List(registry.CollectionFilled)
	if len(kept) != 2 {
		t.Fatalf("Expected MinKeep survivors, got %d", len(kept))
	}
	for _, o := range kept {
		if o.Identifier != "old-0" && o.Identifier != "old-1" {
			t.Errorf("Expected the newest two kept, got %s", o.Identifier)
		}
	}
}

func TestCleaner_ActiveCollectionsUntouched(t *testing.T) {
	logger := logging.NewLogger(logging.ErrorLevel)
	reg := registry.New(logger)

	for i := 0; i < 20; i++ {
		o := terminalOrder(fmt.Sprintf("act-%d", i), 30*24*time.Hour)
		o.Status = core.OrderStatusNew
		reg.Append(registry.CollectionNew, o)
	}

	cfg := DefaultConfig()
	cfg.FilledOrders = Policy{MaxAge: time.Hour, MaxCount: 1, MinKeep: 0}
	cleaner := NewCleaner(reg, cfg, logger)
	cleaner.Cleanup(context.Background())

	if n := len(reg.List(registry.CollectionNew)); n != 20 {
		t.Errorf("Active orders must never be pruned, got %d of 20", n)
	}
}

func TestCleaner_PinnedPositionsSurvive(t *testing.T) {
	logger := logging.NewLogger(logging.ErrorLevel)
	reg := registry.New(logger)
	reg.PinQuoteAsset("USD")

	reg.Update(func(tx *registry.Tx) {
		stale := core.NewPosition("alpha", core.Asset{Symbol: "USD"}, decimal.Zero, decimal.NewFromInt(1))
		stale.UpdatedAt = time.Now().Add(-30 * 24 * time.Hour)
		tx.UpsertPosition(stale)

		old := core.NewPosition("alpha", core.Asset{Symbol: "XYZ"}, decimal.NewFromInt(1), decimal.NewFromInt(10))
		old.UpdatedAt = time.Now().Add(-30 * 24 * time.Hour)
		tx.UpsertPosition(old)
	})

	cfg := DefaultConfig()
	cfg.Positions = Policy{MaxAge: 7 * 24 * time.Hour, MaxCount: 100, MinKeep: 0}
	cleaner := NewCleaner(reg, cfg, logger)
	cleaner.Cleanup(context.Background())

	if reg.Position("alpha", "USD") == nil {
		t.Error("Pinned position must survive age pruning")
	}
	if reg.Position("alpha", "XYZ") != nil {
		t.Error("Stale unpinned position must be pruned")
	}
}

func TestCleaner_TickTriggersEveryN(t *testing.T) {
	logger := logging.NewLogger(logging.ErrorLevel)
	reg := registry.New(logger)
	for i := 0; i < 3; i++ {
		reg.Append(registry.CollectionFilled, terminalOrder(fmt.Sprintf("t-%d", i), 10*24*time.Hour))
	}

	cfg := DefaultConfig()
	cfg.FilledOrders = Policy{MaxAge: 7 * 24 * time.Hour, MaxCount: 100, MinKeep: 0}
	cfg.EveryNIterations = 5
	cleaner := NewCleaner(reg, cfg, logger)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		cleaner.Tick(ctx)
	}
	if n := len(reg.List(registry.CollectionFilled)); n != 3 {
		t.Fatalf("Cleanup must not run before the Nth tick, got %d survivors", n)
	}

	cleaner.Tick(ctx)
	if n := len(reg.List(registry.CollectionFilled)); n != 0 {
		t.Errorf("Expected cleanup on the Nth tick, got %d survivors", n)
	}
}
