package mock

import (
	"context"
	"sync"

	"broker_engine/internal/core"
)

type streamEvent struct {
	order *core.Order
	ev    core.Event
}

// Stream is an in-memory push channel. Emit delivers events to the sink
// attached by Run; events emitted while no run loop is active are buffered.
type Stream struct {
	mu          sync.Mutex
	buffer      []streamEvent
	notify      chan struct{}
	established chan struct{}
	estOnce     sync.Once
	stopped     chan struct{}
	stopOnce    sync.Once
}

// NewStream creates an idle stream.
func NewStream() *Stream {
	return &Stream{
		notify:      make(chan struct{}, 1),
		established: make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Emit queues one event for delivery.
func (s *Stream) Emit(order *core.Order, ev core.Event) {
	s.mu.Lock()
	s.buffer = append(s.buffer, streamEvent{order: order, ev: ev})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run delivers buffered and future events to the sink until the context is
// canceled or Stop is called.
func (s *Stream) Run(ctx context.Context, sink core.IEventSink) error {
	s.estOnce.Do(func() { close(s.established) })

	for {
		s.drain(ctx, sink)
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopped:
			return nil
		case <-s.notify:
		}
	}
}

func (s *Stream) drain(ctx context.Context, sink core.IEventSink) {
	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.mu.Unlock()

		// Sink errors are contract violations in tests; delivery continues.
		_ = sink.ProcessEvent(ctx, next.order, next.ev)
	}
}

// Established is closed once Run has attached a sink.
func (s *Stream) Established() <-chan struct{} {
	return s.established
}

// Stop terminates the run loop.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}
