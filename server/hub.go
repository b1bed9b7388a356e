package server

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
)

// Hub tracks live websocket clients and implements round.Publisher. Broadcast
// and Send never block: a client whose buffer is full is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	players map[string]map[string]*Client // player id -> conn id -> client
	closed  bool

	// handlers counts running websocket handlers so shutdown can wait for
	// their engine calls to finish.
	handlers sync.WaitGroup

	pingInterval time.Duration
	pongTimeout  time.Duration

	metrics *Metrics
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[string]*Client),
		players:      make(map[string]map[string]*Client),
		pingInterval: PingInterval,
		pongTimeout:  PongTimeout,
		metrics:      NewMetrics(),
		log:          log,
	}
}

func (h *Hub) Metrics() *Metrics { return h.metrics }

// enter admits a websocket handler unless the hub is shutting down. Every
// successful enter must be paired with leave.
func (h *Hub) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.handlers.Add(1)
	return true
}

func (h *Hub) leave() { h.handlers.Done() }

// Wait blocks until every websocket handler has returned.
func (h *Hub) Wait() { h.handlers.Wait() }

func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= MaxConnections {
		return false
	}
	h.clients[c.id] = c
	conns, ok := h.players[c.owner.PlayerID]
	if !ok {
		conns = make(map[string]*Client)
		h.players[c.owner.PlayerID] = conns
	}
	conns[c.id] = c
	h.metrics.IncrementConnections()
	return true
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		if conns := h.players[c.owner.PlayerID]; conns != nil {
			delete(conns, c.id)
			if len(conns) == 0 {
				delete(h.players, c.owner.PlayerID)
			}
		}
		h.metrics.DecrementConnections()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(Message{Type: event, Payload: payload})
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		h.metrics.IncrementBroadcastErrors()
		return nil, false
	}
	return data, true
}

// Broadcast sends event to every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.Send(data)
	}
}

// Send delivers event to the connection in to. When that connection is gone
// it goes to the player's other connections instead; with none left the event
// is dropped.
func (h *Hub) Send(to round.Owner, event string, payload any) {
	h.mu.RLock()
	var targets []*Client
	if c, ok := h.clients[to.ConnID]; ok {
		targets = append(targets, c)
	} else if to.PlayerID != "" {
		for _, c := range h.players[to.PlayerID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		h.metrics.IncrementMessagesDropped()
		return
	}
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}
	for _, c := range targets {
		c.Send(data)
	}
}

// CloseAll disconnects every client and refuses new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
