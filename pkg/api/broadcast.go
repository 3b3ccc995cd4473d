// Package api implements the Control/Observability API of spec.md §4
// "Control/Observability API": gin HTTP handlers for queue health,
// profiles, velocities, pre-warm recommendations, strategy name, and
// feature toggles, plus a websocket push of the same state. Grounded on
// the teacher's pkg/router/broadcast.go (a gorilla/websocket client map
// under sync.RWMutex, Broadcast(state)), rewired from GPU/VRAM fields to
// this spec's queue-health/profile/velocity model.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClusterState is the snapshot pushed to dashboard clients, replacing
// the teacher's GPU-centric WorkerState with this spec's worker view.
type ClusterState struct {
	Timestamp time.Time          `json:"timestamp"`
	Workers   []WorkerState      `json:"workers"`
	Strategy  string             `json:"strategy"`
	Toggles   map[string]bool    `json:"toggles"`
}

// WorkerState is one worker's row within a ClusterState push.
type WorkerState struct {
	ID            string  `json:"id"`
	Online        bool    `json:"online"`
	TPS           float64 `json:"tps"`
	QueueSize     int     `json:"queue_size"`
	Capacity      int     `json:"capacity"`
	Utilization   float64 `json:"utilization"`
	Status        string  `json:"status"`
	InFlight      int     `json:"in_flight"`
	MaxConcurrent int     `json:"max_concurrent"`
	Velocity      float64 `json:"velocity"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster fans a ClusterState out to every connected dashboard
// websocket client, exactly as the teacher's Broadcaster does.
type Broadcaster struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:     log.With().Str("component", "broadcaster").Logger(),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Upgrade promotes an HTTP connection to a websocket dashboard client.
func (b *Broadcaster) Upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("📡 dashboard upgrade failed")
		return
	}
	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	go b.readLoop(conn)
}

// readLoop drains and discards client frames, removing the client from
// the broadcast set once the connection closes — mirrors the teacher's
// read-until-error client lifecycle.
func (b *Broadcaster) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes state to every connected client, dropping any client
// whose write fails.
func (b *Broadcaster) Broadcast(state *ClusterState) {
	b.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteJSON(state); err != nil {
			b.mu.Lock()
			delete(b.clients, c)
			b.mu.Unlock()
			c.Close()
		}
	}
}

// ClientCount reports the number of currently connected dashboard clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
