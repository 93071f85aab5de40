// Package realtime pushes queue snapshots to connected websocket clients.
// Clients join one queue room at a time and receive every change to that
// queue without polling.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/metrics"
	"github.com/hackgods/outpatient-queue/internal/queue"
)

// Server message types.
const (
	TypeSnapshot     = "snapshot"
	TypeQueueUpdated = "queueUpdated"
	TypeJoined       = "joined"
	TypeLeft         = "left"
	TypePong         = "pong"
	TypeError        = "error"
)

// Message is sent from the server to a client.
type Message struct {
	Type     string          `json:"type"`
	Queue    string          `json:"queue,omitempty"`
	Snapshot *queue.Snapshot `json:"snapshot,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ClientMessage is sent from a client to the server.
type ClientMessage struct {
	Action   string `json:"action"` // join, leave, snapshot, ping
	DoctorID string `json:"doctor_id,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Client is one websocket connection. It is in at most one room.
type Client struct {
	ID    string
	Actor appointment.Actor
	Send  chan []byte

	room string // guarded by Hub.mu
}

func NewClient(id string, actor appointment.Actor, buffer int) *Client {
	return &Client{ID: id, Actor: actor, Send: make(chan []byte, buffer)}
}

// Hub tracks clients and the queue room each one watches.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	all   map[*Client]struct{}
	sent  map[string]int64 // last snapshot version pushed per room, guarded by mu

	// pubMu serializes Publish so versions reach a room in order.
	pubMu sync.Mutex

	metrics *metrics.Engine
	log     zerolog.Logger
}

type HubOption func(*Hub)

func WithHubMetrics(m *metrics.Engine) HubOption {
	return func(h *Hub) { h.metrics = m }
}

func WithHubLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l.With().Str("component", "realtime").Logger() }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
		sent:  make(map[string]int64),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; ok {
		return
	}
	h.all[c] = struct{}{}
	h.metrics.ClientConnected()
}

// Unregister removes c from its room and the hub and closes c.Send.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	h.leaveLocked(c)
	delete(h.all, c)
	close(c.Send)
	h.metrics.ClientDisconnected()
}

// Join moves c into room, leaving any room it was in before.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	if c.room == room {
		return
	}
	h.leaveLocked(c)

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.room = room
}

func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

func (h *Hub) leaveLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
			delete(h.sent, c.room)
		}
	}
	c.room = ""
}

// Room returns the room c is in, or "".
func (h *Hub) Room(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.room
}

// Broadcast queues data for every member of room without blocking. A
// member whose buffer is full misses this message.
func (h *Hub) Broadcast(room string, data []byte) (delivered, dropped int) {
	return h.broadcast(room, func(*Client) []byte { return data })
}

// broadcast queues payload(c) for every member c of room. A nil payload
// skips that member.
func (h *Hub) broadcast(room string, payload func(c *Client) []byte) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		data := payload(c)
		if data == nil {
			continue
		}
		select {
		case c.Send <- data:
			delivered++
		default:
			dropped++
			h.metrics.MessageDropped()
		}
	}
	if dropped > 0 {
		h.log.Warn().Str("room", room).Int("dropped", dropped).Msg("slow clients missed a queue update")
	}
	return delivered, dropped
}

// SendTo queues msg for one client without blocking. It reports whether
// the message was queued.
func (h *Hub) SendTo(c *Client, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal message")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[c]; !ok {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		h.metrics.MessageDropped()
		return false
	}
}

// Publish broadcasts snap to the room of its queue. A snapshot older than
// the last one pushed to that room is dropped. Patients get a copy without
// other patients' ids.
func (h *Hub) Publish(snap queue.Snapshot) {
	room := snap.Key().String()

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	if !h.advance(room, snap.Version) {
		h.log.Debug().Str("room", room).Int64("version", snap.Version).Msg("dropped out of order snapshot")
		return
	}

	full, err := updateMessage(room, snap)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("marshal snapshot")
		return
	}
	h.metrics.Broadcast()
	h.broadcast(room, func(c *Client) []byte {
		if c.Actor.Role != appointment.RolePatient {
			return full
		}
		data, err := updateMessage(room, snap.VisibleTo(c.Actor))
		if err != nil {
			h.log.Error().Err(err).Str("room", room).Msg("marshal snapshot")
			return nil
		}
		return data
	})
}

// advance records version as the latest for room, refusing older ones.
func (h *Hub) advance(room string, version int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.sent[room]; ok && version < last {
		return false
	}
	if len(h.rooms[room]) > 0 {
		h.sent[room] = version
	}
	return true
}

func updateMessage(room string, snap queue.Snapshot) ([]byte, error) {
	return json.Marshal(Message{Type: TypeQueueUpdated, Queue: room, Snapshot: &snap})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
