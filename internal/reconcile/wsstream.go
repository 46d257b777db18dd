package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"broker_engine/internal/core"
	"broker_engine/internal/lifecycle"
	"broker_engine/pkg/websocket"
)

// orderUpdate is the wire form of one push notification. Quantities are
// strings so brokerages emitting either numbers or decimal strings decode
// losslessly.
type orderUpdate struct {
	Identifier  string `json:"order_id"`
	ClientID    string `json:"client_order_id"`
	Strategy    string `json:"strategy"`
	Symbol      string `json:"symbol"`
	QuoteSymbol string `json:"quote_symbol"`
	Status      string `json:"status"`

	LastFillQty   string `json:"last_fill_qty"`
	LastFillPrice string `json:"last_fill_price"`
	Multiplier    int    `json:"multiplier"`
	Reason        string `json:"reason"`
}

// WSStream adapts a brokerage's order-update websocket feed to the push
// stream contract. Vendor statuses pass through the alias table; messages
// that fail to decode or carry unknown statuses are logged and skipped.
type WSStream struct {
	url      string
	strategy string
	logger   core.ILogger

	subscribe any // sent after connect when non-nil

	client *websocket.Client

	mu          sync.Mutex
	sink        core.IEventSink
	ctx         context.Context
	established chan struct{}
	estOnce     sync.Once
	done        chan struct{}
}

// NewWSStream creates a websocket push stream for the given feed URL.
// The subscribe payload, when non-nil, is sent on every (re)connect.
func NewWSStream(url, strategy string, subscribe any, logger core.ILogger) *WSStream {
	return &WSStream{
		url:         url,
		strategy:    strategy,
		subscribe:   subscribe,
		logger:      logger.WithField("component", "ws_stream"),
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run connects the feed and delivers decoded events to the sink until the
// context is canceled or Stop is called.
func (s *WSStream) Run(ctx context.Context, sink core.IEventSink) error {
	s.mu.Lock()
	s.sink = sink
	s.ctx = ctx
	s.client = websocket.NewClient(s.url, s.handleMessage, s.logger)
	s.client.OnConnect(func() {
		if s.subscribe != nil {
			if err := s.client.Send(s.subscribe); err != nil {
				s.logger.Error("Failed to send subscription", "error", err.Error())
				return
			}
		}
		s.estOnce.Do(func() { close(s.established) })
	})
	client := s.client
	s.mu.Unlock()

	client.Start()
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	client.Stop()
	return nil
}

// Established is closed once the feed is connected and subscribed.
func (s *WSStream) Established() <-chan struct{} {
	return s.established
}

// Stop tears the feed down.
func (s *WSStream) Stop() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (s *WSStream) handleMessage(message []byte) {
	var upd orderUpdate
	if err := json.Unmarshal(message, &upd); err != nil {
		s.logger.Warn("Undecodable push message", "error", err.Error())
		return
	}
	if upd.Identifier == "" && upd.ClientID == "" {
		return
	}

	order, ev, err := s.decode(upd)
	if err != nil {
		s.logger.Warn("Skipping push message", "order_id", upd.Identifier, "error", err.Error())
		return
	}

	s.mu.Lock()
	sink := s.sink
	ctx := s.ctx
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.ProcessEvent(ctx, order, ev); err != nil {
		s.logger.Error("Push event rejected", "order_id", upd.Identifier, "error", err.Error())
	}
}

func (s *WSStream) decode(upd orderUpdate) (*core.Order, core.Event, error) {
	status, ok := lifecycle.CanonicalStatus(upd.Status)
	if !ok {
		return nil, core.Event{}, fmt.Errorf("unknown status %q", upd.Status)
	}
	kind, ok := lifecycle.EventKindFor(status)
	if !ok {
		return nil, core.Event{}, fmt.Errorf("status %q produces no event", upd.Status)
	}

	asset := core.Asset{Symbol: upd.Symbol, Multiplier: upd.Multiplier}
	if upd.QuoteSymbol != "" {
		asset.Quote = &core.Asset{Symbol: upd.QuoteSymbol}
	}

	strategy := upd.Strategy
	if strategy == "" {
		strategy = s.strategy
	}
	order := &core.Order{
		Identifier:   upd.Identifier,
		ClientID:     upd.ClientID,
		Strategy:     strategy,
		Asset:        asset,
		VendorStatus: upd.Status,
	}

	ev := core.Event{Kind: kind, Multiplier: upd.Multiplier}
	switch kind {
	case core.EventFill, core.EventPartialFill:
		qty, err := decimal.NewFromString(upd.LastFillQty)
		if err != nil {
			return nil, core.Event{}, fmt.Errorf("bad fill quantity %q: %w", upd.LastFillQty, err)
		}
		price, err := decimal.NewFromString(upd.LastFillPrice)
		if err != nil {
			return nil, core.Event{}, fmt.Errorf("bad fill price %q: %w", upd.LastFillPrice, err)
		}
		ev.FilledQuantity = &qty
		ev.Price = &price
	case core.EventError:
		ev.Err = fmt.Errorf("%s", upd.Reason)
	}
	return order, ev, nil
}
