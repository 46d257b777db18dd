// Package websocket provides the reconnecting client behind push-mode
// brokerage feeds: one long-lived subscription that survives drops,
// heartbeats the peer, and replays the subscribe handshake on reconnect.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"broker_engine/internal/core"
	"broker_engine/pkg/telemetry"
)

// MessageHandler receives each raw frame from the feed.
type MessageHandler func(message []byte)

// ErrNotConnected is returned by Send between sessions.
var ErrNotConnected = errors.New("websocket not connected")

// Client maintains one feed connection, redialing with a fixed wait
// whenever the session ends.
type Client struct {
	url     string
	handler MessageHandler
	logger  core.ILogger

	reconnectWait time.Duration
	pingInterval  time.Duration
	pingWriteWait time.Duration
	pongWait      time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	onConnect func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient builds a client for the feed URL. Start begins the session
// loop; the handler runs on the read goroutine, so it must hand work off
// rather than block.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total WebSocket connections initiated"))

	return &Client{
		url:           url,
		handler:       handler,
		logger:        logger,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWriteWait: 10 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        telemetry.GetTracer("ws-client"),
		msgCounter:    msgCounter,
		connCounter:   connCounter,
	}
}

// SetHeartbeat tunes the ping cadence, the write deadline for each ping,
// and how long to wait for a pong before declaring the session dead.
func (c *Client) SetHeartbeat(interval, writeWait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWriteWait = writeWait
	c.pongWait = pongWait
}

// OnConnect registers a callback run at the start of every session,
// typically to send the feed's subscribe payload.
func (c *Client) OnConnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = cb
}

// Send writes a JSON message on the current session.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(message)
}

// Start launches the session loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop ends the session loop and waits for its goroutines. Closing the
// connection first unblocks the read pump immediately.
func (c *Client) Stop() {
	c.cancel()
	c.dropConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket stop timed out waiting for goroutines")
	}
}

// run dials, serves one session, and redials until the client stops.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Error("WebSocket dial failed", "url", c.url, "error", err)
		} else {
			c.session(conn)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}
	}
}

// session runs the subscribe callback, the heartbeat, and the read pump
// for one connection; it returns once the connection dies.
func (c *Client) session(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	onConnect := c.onConnect
	pingInterval := c.pingInterval
	c.mu.Unlock()

	if onConnect != nil {
		onConnect()
	}

	pingCtx, stopPing := context.WithCancel(c.ctx)
	if pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(pingCtx, conn)
	}

	c.readPump(conn)
	stopPing()
	c.dropConn()
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()
	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.mu.Lock()
	pongWait := c.pongWait
	c.mu.Unlock()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	c.mu.Lock()
	interval := c.pingInterval
	writeWait := c.pingWriteWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				// A dead peer: close the session so run redials.
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		if c.ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.msgCounter.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
