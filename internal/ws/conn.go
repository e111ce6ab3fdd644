// Package ws implements the Live Update Channel: one WebSocket connection per
// open chat, delivering newly created messages in real time and carrying
// outbound text sends. There is no heartbeat contract with the backend and no
// reconnection; a dropped connection stays dropped until the chat is reopened.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 4096
	defaultSendBufSize    = 256
)

// ErrClosed is returned by Send once the connection is no longer open.
var ErrClosed = errors.New("ws: connection closed")

// OutboundFrame is what the client pushes over the channel for a text send.
// The server persists it and echoes the created message back on the same
// connection.
type OutboundFrame struct {
	Body     string `json:"message"`
	SenderID string `json:"sender_id"`
	ChatID   int64  `json:"chat_id"`
	BatchID  *int64 `json:"batch_id"`
}

// Options tunes the connection. Zero values select defaults matching the
// backend's limits.
type Options struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufSize    int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteWait
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBufSize <= 0 {
		o.SendBufSize = defaultSendBufSize
	}
	return o
}

// Conn is one live-update connection, scoped to a single chat.
// Lifecycle: Dial -> [readPump, writePump] -> Close -> Wait.
type Conn struct {
	conn   *websocket.Conn
	send   chan OutboundFrame
	chatID int64
	opts   Options

	onMessage func(model.Message)
	onClosed  func()

	// done is closed exactly once and guards Send against a dead connection.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial connects to url and starts the pump goroutines. onMessage is invoked
// from the read pump for every inbound frame that decodes as a Message;
// onClosed is invoked once when the connection dies for any reason. Both may
// be nil.
func Dial(ctx context.Context, url, token string, chatID int64, opts Options, onMessage func(model.Message), onClosed func()) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	c := &Conn{
		conn:      wsConn,
		send:      make(chan OutboundFrame, opts.SendBufSize),
		chatID:    chatID,
		opts:      opts,
		onMessage: onMessage,
		onClosed:  onClosed,
		done:      make(chan struct{}),
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(pumpCtx)
	go c.readPump()
	return c, nil
}

// ChatID returns the chat this connection is scoped to.
func (c *Conn) ChatID() int64 { return c.chatID }

// Open reports whether the connection can still carry sends.
func (c *Conn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues a frame for transmission. Fire-and-forget: delivery is
// confirmed only by the server echoing the created message back.
func (c *Conn) Send(f OutboundFrame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close tears the connection down. Safe to call multiple times from any
// goroutine, including when the connection never finished opening.
func (c *Conn) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

// Wait blocks until both pump goroutines have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// readPump reads inbound frames until the connection errors, then closes the
// whole connection so Open() turns false for senders.
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.Close()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		logger.Errorf("ws set read deadline chat=%d: %v", c.chatID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.Open() {
				logger.Errorf("ws read error chat=%d: %v", c.chatID, err)
			}
			return
		}

		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error chat=%d: %v", c.chatID, err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) writePump(ctx context.Context) {
	defer c.wg.Done()
	pingPeriod := (c.opts.PongTimeout * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil && c.Open() {
				logger.Errorf("ws close message chat=%d: %v", c.chatID, err)
			}
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline chat=%d: %v", c.chatID, err)
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline chat=%d: %v", c.chatID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
