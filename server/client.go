package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
)

// Client is one websocket connection with its own write goroutine.
type Client struct {
	id    string
	owner round.Owner
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	log   *zap.Logger

	messageCount int
	rateLimitMu  sync.Mutex
	lastReset    time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	closeMu sync.Mutex
}

func NewClient(conn *websocket.Conn, hub *Hub, owner round.Owner) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:        owner.ConnID,
		owner:     owner,
		conn:      conn,
		send:      make(chan []byte, ClientSendBufferSize),
		hub:       hub,
		log:       hub.log.With(zap.String("conn_id", owner.ConnID), zap.String("player_id", owner.PlayerID)),
		lastReset: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.hub.metrics.IncrementBroadcastErrors()
				return
			}
			c.hub.metrics.IncrementMessagesSent()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.hub.pongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// readPump reads until the connection fails, handing each frame to handle.
// Reads have no deadline: an idle client is alive as long as writePump's pings
// are answered.
func (c *Client) readPump(handle func(*Client, []byte)) {
	defer c.Close()
	for {
		_, message, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && c.ctx.Err() == nil {
				c.log.Debug("read failed", zap.Error(err))
				c.hub.metrics.IncrementConnectionErrors()
			}
			return
		}
		if !c.checkRateLimit() {
			c.hub.metrics.IncrementRateLimitViolations()
			c.sendMessage(MsgError, ErrorPayload{Code: "rate_limited", Message: "slow down"})
			continue
		}
		c.hub.metrics.IncrementMessagesReceived()
		handle(c, message)
	}
}

func (c *Client) checkRateLimit() bool {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()
	now := time.Now()
	if now.Sub(c.lastReset) > RateLimitWindow {
		c.messageCount = 0
		c.lastReset = now
	}
	c.messageCount++
	return c.messageCount <= MaxMessagesPerSecond
}

func (c *Client) sendMessage(event string, payload any) {
	if data, ok := c.hub.encode(event, payload); ok {
		c.Send(data)
	}
}

// Send queues message without blocking. A full buffer closes the client.
func (c *Client) Send(message []byte) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		c.log.Warn("send buffer full, closing slow client")
		c.hub.metrics.IncrementBroadcastErrors()
		go c.Close()
		return false
	}
}

// Close is idempotent. The close handshake runs after the lock is released so
// publishers never wait on a slow peer.
func (c *Client) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
	c.closeMu.Unlock()

	c.hub.Unregister(c)
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
