package snapshot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeroops/replan/engine"
	"github.com/aeroops/replan/observability"
)

const maxStreamClients = 100

// StreamFrame is one broadcast unit: the committed diff plus its cycle
// report, keyed by version on the wire.
type StreamFrame struct {
	Diff   *Diff         `json:"diff"`
	Report engine.Report `json:"report"`
}

// Hub fans committed diffs out to websocket clients. Single broadcaster
// goroutine; registrations and frames go through channels.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	frames     chan StreamFrame
	mu         sync.RWMutex
}

// NewHub returns an idle hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		frames:     make(chan StreamFrame, 16),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("stream connection rejected: max clients (%d) reached", maxStreamClients)
				continue
			}
			h.clients[conn] = true
			observability.StreamClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			observability.StreamClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case frame := <-h.frames:
			h.broadcast(frame)
		}
	}
}

func (h *Hub) broadcast(frame StreamFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("stream write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.StreamClients.Set(0)
}

// Broadcast queues a frame without blocking the committer; frames are
// dropped when the hub is saturated.
func (h *Hub) Broadcast(frame StreamFrame) {
	select {
	case h.frames <- frame:
	default:
		log.Printf("stream backlog full, dropping frame v%d", frame.Diff.AfterVersion)
	}
}

// Register adds a client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
