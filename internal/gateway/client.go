package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	maxFrame     = 4096
)

// Client is a single WebSocket peer of the Broadcaster.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	b    *Broadcaster
	log  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, b *Broadcaster, log *slog.Logger) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		b:    b,
		log:  log,
		done: make(chan struct{}),
	}
}

// Send queues msg without blocking. A full queue means the peer is stuck;
// the connection is closed and ErrSlowSubscriber returned.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.shutdown()
		return ErrSlowSubscriber
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// serve registers the client, subscribes it to symbols and runs both pumps.
// It returns when the connection is gone.
func (c *Client) serve(ctx context.Context, symbols []string) {
	go c.writePump()

	c.Send(encodeConnected(symbols))
	c.b.Subscribe(ctx, c, symbols...)
	c.log.Info("ws client connected", "symbols", symbols, "total", c.b.SubscriberCount())

	c.readPump(ctx)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.b.Remove(c)
		c.shutdown()
		c.log.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Send(encodeError("invalid JSON frame"))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg ClientMsg) {
	if strings.EqualFold(msg.Type, "ping") {
		c.Send(pongFrame)
		return
	}

	switch strings.ToLower(msg.Action) {
	case ActionSubscribe:
		sym, ok := NormalizeSymbol(msg.Symbol)
		if !ok {
			c.Send(encodeError("invalid symbol"))
			return
		}
		c.b.Subscribe(ctx, c, sym)
		c.log.Debug("ws client subscribed", "symbol", sym)
	case ActionUnsubscribe:
		sym, ok := NormalizeSymbol(msg.Symbol)
		if !ok {
			c.Send(encodeError("invalid symbol"))
			return
		}
		c.b.Unsubscribe(c, sym)
		c.log.Debug("ws client unsubscribed", "symbol", sym)
	default:
		c.Send(encodeError("unknown action " + msg.Action))
	}
}
