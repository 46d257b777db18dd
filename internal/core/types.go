package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the canonical lifecycle status of an order. Adapters report
// vendor vocabulary; the lifecycle package maps it onto these values.
type OrderStatus int

const (
	OrderStatusUnsubmitted OrderStatus = iota
	OrderStatusNew
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusError
	OrderStatusCashSettled
	// OrderStatusPlaceholder marks orders that only anchor child orders
	// (e.g. an OCO parent) and never fill themselves.
	OrderStatusPlaceholder
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusUnsubmitted:
		return "unsubmitted"
	case OrderStatusNew:
		return "new"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCanceled:
		return "canceled"
	case OrderStatusError:
		return "error"
	case OrderStatusCashSettled:
		return "cash_settled"
	case OrderStatusPlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is expected for this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusError, OrderStatusCashSettled:
		return true
	default:
		return false
	}
}

// OrderSide identifies the direction of an order, including the directional
// variants used by options strategies.
type OrderSide int

const (
	OrderSideBuy OrderSide = iota
	OrderSideSell
	OrderSideBuyToOpen
	OrderSideBuyToClose
	OrderSideSellToOpen
	OrderSideSellToClose
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	case OrderSideBuyToOpen:
		return "buy_to_open"
	case OrderSideBuyToClose:
		return "buy_to_close"
	case OrderSideSellToOpen:
		return "sell_to_open"
	case OrderSideSellToClose:
		return "sell_to_close"
	default:
		return "unknown"
	}
}

// IsBuy reports whether the side increases the position.
func (s OrderSide) IsBuy() bool {
	switch s {
	case OrderSideBuy, OrderSideBuyToOpen, OrderSideBuyToClose:
		return true
	default:
		return false
	}
}

// OrderType enumerates the supported order shapes.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
	OrderTypeStopLimit
	OrderTypeTrailingStop
	OrderTypeOCO
	OrderTypeBracket
	OrderTypeMultileg
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	case OrderTypeStopLimit:
		return "stop_limit"
	case OrderTypeTrailingStop:
		return "trailing_stop"
	case OrderTypeOCO:
		return "oco"
	case OrderTypeBracket:
		return "bracket"
	case OrderTypeMultileg:
		return "multileg"
	default:
		return "unknown"
	}
}

// AssetType distinguishes instrument classes. Spot currency pairs carry a
// quote asset whose position is mutated by the notional value of each fill.
type AssetType int

const (
	AssetTypeStock AssetType = iota
	AssetTypeOption
	AssetTypeFuture
	AssetTypeForex
	AssetTypeCryptoPair
)

// Asset identifies a tradable instrument.
type Asset struct {
	Symbol     string
	Type       AssetType
	Quote      *Asset // set for forex/crypto pairs
	Multiplier int    // contract multiplier, 1 for linear instruments
}

// Key returns the tracking key for the asset. Positions are unique per
// (strategy, asset key).
func (a Asset) Key() string {
	if a.Quote != nil {
		return a.Symbol + "/" + a.Quote.Symbol
	}
	return a.Symbol
}

// ContractMultiplier returns the effective multiplier, defaulting to 1.
func (a Asset) ContractMultiplier() int {
	if a.Multiplier <= 0 {
		return 1
	}
	return a.Multiplier
}

// Order is the engine's view of a single brokerage order. The brokerage
// identifier is empty until the adapter confirms receipt; the client
// identifier is assigned at construction and never changes. Orders are
// mutated only by the lifecycle processor while the registry lock is held.
type Order struct {
	// Identifier is assigned by the brokerage after submission.
	// Once set it is immutable and unique within a broker instance.
	Identifier string
	// ClientID is the engine-side identifier, set at construction.
	ClientID string

	Strategy string
	Asset    Asset
	Side     OrderSide
	Quantity decimal.Decimal
	Type     OrderType

	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TrailPercent *decimal.Decimal

	Status OrderStatus
	// VendorStatus is the raw status spelling reported by the adapter;
	// the lifecycle alias table canonicalizes it.
	VendorStatus   string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal

	// ParentID links a leg back to its parent's client identifier;
	// Children holds the legs of multi-leg, bracket, and OCO structures.
	ParentID string
	Children []*Order

	CreatedAt time.Time
	UpdatedAt time.Time

	// Err holds the adapter's message when the order terminated in error.
	Err error

	// Raw holds the adapter's last wire response, opaque to the engine.
	Raw any
}

// NewOrder constructs an unsubmitted order owned by the given strategy.
func NewOrder(strategy string, asset Asset, side OrderSide, quantity decimal.Decimal, typ OrderType) *Order {
	now := time.Now()
	return &Order{
		ClientID:  uuid.NewString(),
		Strategy:  strategy,
		Asset:     asset,
		Side:      side,
		Quantity:  quantity,
		Type:      typ,
		Status:    OrderStatusUnsubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddChild links a leg order to its parent.
func (o *Order) AddChild(child *Order) {
	child.ParentID = o.ClientID
	child.Strategy = o.Strategy
	o.Children = append(o.Children, child)
}

// Flatten returns the order followed by its legs, depth-first, in
// submission order.
func (o *Order) Flatten() []*Order {
	out := []*Order{o}
	for _, child := range o.Children {
		out = append(out, child.Flatten()...)
	}
	return out
}

// Identified reports whether the brokerage has assigned an identifier.
func (o *Order) Identified() bool {
	return o.Identifier != ""
}

// IsPlaceholder reports whether the order only anchors children and never
// fills itself.
func (o *Order) IsPlaceholder() bool {
	return o.Status == OrderStatusPlaceholder || o.Type == OrderTypeOCO
}

// SignedQuantity returns the position delta the given fill quantity produces.
func (o *Order) SignedQuantity(qty decimal.Decimal) decimal.Decimal {
	if o.Side.IsBuy() {
		return qty
	}
	return qty.Neg()
}

// Touch updates the modification timestamp.
func (o *Order) Touch() {
	o.UpdatedAt = time.Now()
}

// Position is the engine's view of holdings for one (strategy, asset) pair.
// Quantity is signed; a zero quantity removes the position from tracking
// unless the asset is a pinned quote asset.
type Position struct {
	Strategy     string
	Asset        Asset
	Quantity     decimal.Decimal
	AvgFillPrice decimal.Decimal

	// Orders backing this position, newest last. May be empty for
	// positions discovered during reconciliation.
	Orders []*Order

	UpdatedAt time.Time
}

// NewPosition constructs a position for the given pair.
func NewPosition(strategy string, asset Asset, quantity, avgPrice decimal.Decimal) *Position {
	return &Position{
		Strategy:     strategy,
		Asset:        asset,
		Quantity:     quantity,
		AvgFillPrice: avgPrice,
		UpdatedAt:    time.Now(),
	}
}

// Key returns the tracking key for the position.
func (p *Position) Key() string {
	return p.Strategy + ":" + p.Asset.Key()
}

// ApplyFill mutates the position additively by the signed fill quantity,
// maintaining a weighted average fill price while the position grows.
func (p *Position) ApplyFill(signedQty, price decimal.Decimal) {
	newQty := p.Quantity.Add(signedQty)
	switch {
	case signedQty.IsZero():
	case p.Quantity.IsZero() || p.Quantity.Sign() != signedQty.Sign():
		// Reducing or flipping: the average only resets when the
		// position flips through zero.
		if newQty.Sign() != 0 && newQty.Sign() != p.Quantity.Sign() {
			p.AvgFillPrice = price
		}
	default:
		oldNotional := p.AvgFillPrice.Mul(p.Quantity.Abs())
		addNotional := price.Mul(signedQty.Abs())
		p.AvgFillPrice = oldNotional.Add(addNotional).Div(newQty.Abs())
	}
	p.Quantity = newQty
	p.UpdatedAt = time.Now()
}

// EventKind names the lifecycle notifications delivered to subscribers.
type EventKind int

const (
	EventNew EventKind = iota
	EventCanceled
	EventFill
	EventPartialFill
	EventError
	EventCashSettled
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventCanceled:
		return "canceled"
	case EventFill:
		return "fill"
	case EventPartialFill:
		return "partial_fill"
	case EventError:
		return "error"
	case EventCashSettled:
		return "cash_settled"
	default:
		return "unknown"
	}
}

// Event carries a single lifecycle transition into the state machine.
// Price and FilledQuantity are required for fill events.
type Event struct {
	Kind           EventKind
	Price          *decimal.Decimal
	FilledQuantity *decimal.Decimal
	Multiplier     int
	Err            error
}

// EventPayload is delivered to subscribers. Position, Price, Quantity and
// Multiplier are populated for fill events only.
type EventPayload struct {
	Order      *Order
	Position   *Position
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Multiplier int
	Err        error
}

// TradeRecord is one row of the in-memory trade-event log.
type TradeRecord struct {
	Time           time.Time
	Strategy       string
	Asset          string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Price          decimal.Decimal
	FilledQuantity decimal.Decimal
	TradeCost      decimal.Decimal
}
