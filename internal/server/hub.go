package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gary322/flashbets-sub012/internal/core"
)

// Hub manages all active websocket connections and broadcasts processed
// outputs to them. Slow clients are dropped rather than allowed to stall
// the feed.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// OrderMessage announces one executed liquidation.
type OrderMessage struct {
	Type  string                `json:"type"`
	Order core.LiquidationOrder `json:"order"`
}

// HeadMessage announces the latest applied sequence and tick.
type HeadMessage struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
	Tick     int64  `json:"tick"`
}

// BreakerMessage announces a circuit breaker state change.
type BreakerMessage struct {
	Type    string           `json:"type"`
	Breaker core.BreakerNote `json:"breaker"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub loop. Must run in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			// Copy the client set under a short read lock, send without
			// holding it so register/unregister never block on a slow peer.
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				log.Printf("WARN: dropped %d slow websocket clients", len(toRemove))
			}
		}
	}
}

func (h *Hub) send(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("WARN: marshal broadcast message: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Feed is best-effort; drop when the hub is saturated.
	}
}

// BroadcastOrder pushes an executed liquidation to all subscribers.
func (h *Hub) BroadcastOrder(order core.LiquidationOrder) {
	h.send(&OrderMessage{Type: "order", Order: order})
}

// BroadcastHead pushes the latest applied sequence and tick.
func (h *Hub) BroadcastHead(sequence, tick int64) {
	h.send(&HeadMessage{Type: "head", Sequence: sequence, Tick: tick})
}

// BroadcastBreaker pushes a circuit breaker state change.
func (h *Hub) BroadcastBreaker(note core.BreakerNote) {
	h.send(&BreakerMessage{Type: "breaker", Breaker: note})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
