package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultQueueSize bounds the envelopes waiting for one connection.
	DefaultQueueSize = 64
)

// Conn is a WebSocket subscriber. Envelopes are queued and written by a
// single pump goroutine, which keeps per-connection order and the one-writer
// rule of gorilla/websocket.
type Conn struct {
	ws     *websocket.Conn
	label  string
	queue  chan Envelope
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewConn wraps ws. label is written into the channelType of every delivered
// envelope.
func NewConn(ws *websocket.Conn, label string, queueSize int, logger *zap.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		ws:     ws,
		label:  label,
		queue:  make(chan Envelope, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Deliver queues env, blocking while the queue is full.
func (c *Conn) Deliver(ctx context.Context, env Envelope) error {
	if c.label != "" {
		env.ChannelType = c.label
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the write pump and closes the socket. It is safe to call more
// than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// WritePump writes queued envelopes until the connection closes. It also
// keeps the connection alive with pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case env := <-c.queue:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// PrepareRead installs the read limits and pong handler used by read loops.
func (c *Conn) PrepareRead(maxMessage int64) {
	c.ws.SetReadLimit(maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ReadEnvelope reads the next frame. Malformed frames are returned as
// ErrMalformed so the caller can drop them and keep reading.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(data)
}
