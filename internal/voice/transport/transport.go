// Package transport maintains the WebSocket connection to the conversational
// voice endpoint. A single receive goroutine decodes frames in delivery
// order, answers pings itself and hands every other message to the caller
// through [Conn.Messages].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/protocol"
)

// StatusNoClose is reported when the connection dropped without a close frame.
const StatusNoClose = int(websocket.StatusAbnormalClosure)

const defaultReadLimit = 4 << 20

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Conn].
type Option func(*config)

type config struct {
	header    http.Header
	client    *http.Client
	readLimit int64
	metrics   *observe.Metrics
	buffer    int
}

// WithHeader adds HTTP headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *config) { c.header = h }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithMetrics records close codes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Conn is an open transport session.
type Conn struct {
	ws       *websocket.Conn
	messages chan protocol.Message
	done     chan struct{}
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeCode int
	err       error
}

// Dial opens a WebSocket to url and starts the receive loop. The context only
// bounds the handshake.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	cfg := config{readLimit: defaultReadLimit, buffer: 64}
	for _, o := range opts {
		o(&cfg)
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: cfg.header,
		HTTPClient: cfg.client,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w: %w", voice.ErrTransport, err)
	}
	ws.SetReadLimit(cfg.readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:       ws,
		messages: make(chan protocol.Message, cfg.buffer),
		done:     make(chan struct{}),
		metrics:  cfg.metrics,
		ctx:      connCtx,
		cancel:   cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// Messages delivers decoded inbound messages in arrival order. Pings are
// answered internally and never appear here. The channel is closed when the
// connection ends for any reason.
func (c *Conn) Messages() <-chan protocol.Message { return c.messages }

// Done is closed once the receive loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Open reports whether outbound messages can currently be sent.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send writes a text frame. It fails once the connection is closed.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if !c.Open() {
		return fmt.Errorf("transport: send: %w: connection closed", voice.ErrTransport)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: send: %w: %w", voice.ErrTransport, err)
	}
	return nil
}

// CloseCode returns the close code observed when the connection ended, or 0
// while it is open. Local closes report [websocket.StatusNormalClosure].
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Err returns the reason a remote close was not normal. It is nil for 1000
// closes and for closes initiated through [Conn.Close].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session with a normal closure. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	return nil
}

func (c *Conn) receiveLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}

		var msg protocol.Message
		if typ == websocket.MessageBinary {
			msg = protocol.Message{Kind: protocol.KindAudio, Type: "binary", Audio: data}
		} else {
			msg, err = protocol.Parse(data)
			if err != nil {
				slog.Debug("transport: skipping undecodable message", "err", err)
				continue
			}
		}

		if msg.Kind == protocol.KindPing {
			c.pong(msg)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			c.finish(c.ctx.Err())
			return
		}
	}
}

func (c *Conn) pong(msg protocol.Message) {
	data, err := protocol.Pong(msg.EventID)
	if err != nil {
		slog.Warn("transport: encode pong", "err", err)
		return
	}
	if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil && c.ctx.Err() == nil {
		slog.Warn("transport: send pong", "err", err)
	}
}

// finish records how the connection ended. Called once, from the receive loop.
func (c *Conn) finish(readErr error) {
	c.mu.Lock()
	local := c.closed || c.ctx.Err() != nil
	c.closed = true

	code := int(websocket.CloseStatus(readErr))
	switch {
	case local:
		code = int(websocket.StatusNormalClosure)
	case code == -1:
		code = StatusNoClose
	}
	c.closeCode = code
	if !local && code != int(websocket.StatusNormalClosure) {
		c.err = fmt.Errorf("transport: connection closed with code %d: %w", code, errors.Join(voice.ErrTransport, readErr))
	}
	c.mu.Unlock()

	c.cancel()
	if c.metrics != nil {
		c.metrics.RecordTransportClose(context.Background(), code)
	}
}
