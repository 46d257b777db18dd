package registry

import (
	"testing"

	"github.com/shopspring/decimal"

	"broker_engine/internal/core"
	"broker_engine/pkg/logging"
)

func testOrder(id string) *core.Order {
	o := core.NewOrder("alpha", core.Asset{Symbol: "SPY"}, core.OrderSideBuy, decimal.NewFromInt(10), core.OrderTypeLimit)
	o.Identifier = id
	return o
}

func TestRegistry_AppendIsMutuallyExclusive(t *testing.T) {
	reg := New(logging.NewLogger(logging.ErrorLevel))
	o := testOrder("ord-1")

	reg.Append(CollectionUnprocessed, o)
	reg.Append(CollectionNew, o)
	reg.Append(CollectionFilled, o)

	if n := len(reg.List(CollectionUnprocessed)); n != 0 {
		t.Errorf("Expected unprocessed to be empty, got %d", n)
	}
	if n := len(reg.List(CollectionNew)); n != 0 {
		t.Errorf("Expected new to be empty, got %d", n)
	}
	if n := len(reg.List(CollectionFilled)); n != 1 {
		t.Errorf("Expected filled to hold 1 order, got %d", n)
	}

	total := 0
	for _, n := range reg.Counts() {
		total += n
	}
	if total != 1 {
		t.Errorf("Expected exactly one tracked instance, got %d", total)
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := New(logging.NewLogger(logging.ErrorLevel))
	o := testOrder("ord-2")
	reg.Append(CollectionNew, o)

	if removed := reg.Remove(CollectionNew, "ord-2"); removed == nil {
		t.Fatal("Expected first remove to return the order")
	}
	if removed := reg.Remove(CollectionNew, "ord-2"); removed != nil {
		t.Error("Expected second remove to be a no-op")
	}
	if removed := reg.Remove(CollectionNew, "never-tracked"); removed != nil {
		t.Error("Expected remove of unknown identifier to be a no-op")
	}
}

func TestRegistry_FindOrderByEitherIdentifier(t *testing.T) {
	reg := New(logging.NewLogger(logging.ErrorLevel))
	o := testOrder("ord-3")
	reg.Append(CollectionNew, o)

	found, collection := reg.FindOrder("ord-3")
	if found != o || collection != CollectionNew {
		t.Errorf("Lookup by brokerage identifier failed: got %v in %q", found, collection)
	}

	found, _ = reg.FindOrder(o.ClientID)
	if found != o {
		t.Error("Lookup by client identifier failed")
	}

	if found, _ := reg.FindOrder(""); found != nil {
		t.Error("Empty identifier must not match anything")
	}
}

func TestRegistry_ActiveOrders(t *testing.T) {
	reg := New(logging.NewLogger(logging.ErrorLevel))
	reg.Append(CollectionUnprocessed, testOrder("a"))
	reg.Append(CollectionNew, testOrder("b"))
	reg.Append(CollectionPartiallyFilled, testOrder("c"))
	reg.Append(CollectionFilled, testOrder("d"))
	reg.Append(CollectionCanceled, testOrder("e"))

	if n := len(reg.ActiveOrders()); n != 3 {
		t.Errorf("Expected 3 active orders, got %d", n)
	}
}

func TestRegistry_PinnedPositionSurvivesRemoval(t *testing.T) {
	reg := New(logging.NewLogger(logging.ErrorLevel))
	usd := core.Asset{Symbol: "USD"}
	reg.PinQuoteAsset(usd.Key())

	reg.Update(func(tx *Tx) {
		tx.UpsertPosition(core.NewPosition("alpha", usd, decimal.Zero, decimal.NewFromInt(1)))
		tx.RemovePosition("alpha", usd.Key())
	})

	if pos := reg.Position("alpha", usd.Key()); pos == nil {
		t.Fatal("Pinned position must survive removal")
	}

	btc := core.Asset{Symbol: "BTC"}
	reg.Update(func(tx *Tx) {
		tx.UpsertPosition(core.NewPosition("alpha", btc, decimal.NewFromInt(1), decimal.NewFromInt(50000)))
		tx.RemovePosition("alpha", btc.Key())
	})
	if pos := reg.Position("alpha", btc.Key()); pos != nil {
		t.Fatal("Unpinned position must be removed")
	}
}

func TestRegistry_PositionsFilterByStrategy(t *testing.T) {
	reg := New(logging.NewLogger(logging.ErrorLevel))
	reg.Update(func(tx *Tx) {
		tx.UpsertPosition(core.NewPosition("alpha", core.Asset{Symbol: "SPY"}, decimal.NewFromInt(1), decimal.NewFromInt(100)))
		tx.UpsertPosition(core.NewPosition("beta", core.Asset{Symbol: "QQQ"}, decimal.NewFromInt(2), decimal.NewFromInt(200)))
	})

	if n := len(reg.Positions("alpha")); n != 1 {
		t.Errorf("Expected 1 alpha position, got %d", n)
	}
	if n := len(reg.Positions("")); n != 2 {
		t.Errorf("Expected 2 positions for all strategies, got %d", n)
	}
}
