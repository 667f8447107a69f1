package ws

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/manpreetbhatti/presence/internal/protocol"
	"github.com/manpreetbhatti/presence/internal/ratelimit"
	"github.com/manpreetbhatti/presence/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// One websocket connection attached to a room
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	room        *room.Room
	send        chan protocol.Frame
	roomID      string
	clientID    string
	rateLimiter *ratelimit.Limiter
	log         hclog.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Client) ID() string {
	return c.clientID
}

// Send queues f for the write pump. A client that cannot keep up is closed.
func (c *Client) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame and shut the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// ServeWs upgrades the request and attaches the connection to roomID.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, roomID string) {
	if h.cfg.Token != "" && r.URL.Query().Get("from") != h.cfg.Token {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if !h.upgrades.Allow(remoteIP(r)) {
		h.metrics.RateLimited()
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if roomID == "" {
		roomID = h.cfg.DefaultRoom
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	clientID := h.NextID()
	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan protocol.Frame, sendBuffer),
		roomID:      roomID,
		clientID:    clientID,
		rateLimiter: ratelimit.NewLimiter(h.cfg.MessagesPerSecond, h.cfg.MessageBurst),
		log:         h.log.With("room", roomID, "conn", clientID),
		closed:      make(chan struct{}),
	}

	rm, count := h.acquire(roomID)
	client.room = rm
	h.metrics.ConnectionOpened()

	go client.writePump()

	if err := rm.Join(client); err != nil {
		client.log.Warn("join failed", "error", err)
		client.Close()
		h.release(roomID)
		h.metrics.ConnectionClosed()
		return
	}
	client.log.Debug("client joined", "connections", count)
	if h.cfg.OnJoin != nil {
		h.cfg.OnJoin(roomID, count)
	}

	go client.readPump()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *Client) readPump() {
	defer func() {
		c.room.Leave(c)
		c.hub.release(c.roomID)
		c.Close()
		c.conn.Close()
		c.hub.metrics.ConnectionClosed()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", "error", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			c.hub.metrics.RateLimited()
			if violations%100 == 1 {
				c.log.Warn("rate limit exceeded", "violations", violations)
			}
			if violations > c.hub.cfg.MaxViolations {
				c.log.Warn("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		c.room.Receive(c, protocol.Frame{
			Binary: messageType == websocket.BinaryMessage,
			Data:   message,
		})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			messageType := websocket.TextMessage
			if frame.Binary {
				messageType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(messageType, frame.Data); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
