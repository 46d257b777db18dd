package reconcile

import (
	"context"
	"sync"
	"time"

	"broker_engine/internal/core"
)

// StreamDriver supervises an adapter's push stream, restarting it with
// backoff when the connection drops. Events flow straight from the stream
// into the sink; the driver itself never interprets them.
type StreamDriver struct {
	stream core.IPushStream
	sink   core.IEventSink
	logger core.ILogger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamDriver wraps the adapter's push stream.
func NewStreamDriver(stream core.IPushStream, sink core.IEventSink, logger core.ILogger) *StreamDriver {
	return &StreamDriver{
		stream:         stream,
		sink:           sink,
		logger:         logger.WithField("component", "stream"),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// Start launches the supervision loop.
func (d *StreamDriver) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.logger.Info("Starting push stream")
	d.wg.Add(1)
	go d.runLoop()
	return nil
}

// Stop tears down the stream and waits for the loop to exit.
func (d *StreamDriver) Stop() error {
	d.logger.Info("Stopping push stream")
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.stream.Stop(); err != nil {
		d.logger.Warn("Push stream stop returned error", "error", err.Error())
	}
	d.wg.Wait()
	return nil
}

// WaitEstablished blocks until the stream signals it is connected and
// subscribed, or the context expires.
func (d *StreamDriver) WaitEstablished(ctx context.Context) error {
	select {
	case <-d.stream.Established():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *StreamDriver) runLoop() {
	defer d.wg.Done()

	backoff := d.initialBackoff
	for {
		if d.ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := d.stream.Run(d.ctx, d.sink)
		if d.ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Error("Push stream disconnected", "error", err.Error())
		} else {
			d.logger.Warn("Push stream exited without error, restarting")
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			backoff = d.initialBackoff
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
}
