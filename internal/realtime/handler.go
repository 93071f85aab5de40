package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/auth"
	"github.com/hackgods/outpatient-queue/internal/config"
	"github.com/hackgods/outpatient-queue/internal/queue"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// SnapshotSource returns the current snapshot of a queue.
type SnapshotSource interface {
	Snapshot(ctx context.Context, key appointment.QueueKey) (queue.Snapshot, error)
}

// Handler upgrades HTTP requests to websocket connections served by a Hub.
type Handler struct {
	hub          *Hub
	source       SnapshotSource
	upgrader     websocket.Upgrader
	sendBuffer   int
	pingInterval time.Duration
	log          zerolog.Logger
}

func NewHandler(hub *Hub, source SnapshotSource, cfg config.Config, logger zerolog.Logger) *Handler {
	ping := cfg.WSPingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	buffer := cfg.WSSendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Handler{
		hub:    hub,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Queue boards are served from other origins (lobby displays).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBuffer:   buffer,
		pingInterval: ping,
		log:          logger.With().Str("component", "realtime").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	actor, _ := auth.ActorFrom(r.Context())
	client := NewClient(uuid.NewString(), actor, h.sendBuffer)
	h.hub.Register(client)
	h.log.Debug().Str("client_id", client.ID).Str("role", string(actor.Role)).Msg("client connected")

	// The request context stays alive while readPump runs on this goroutine.
	go h.writePump(client, ws)
	h.readPump(r.Context(), client, ws)
}

func (h *Handler) readPump(ctx context.Context, c *Client, ws *websocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		ws.Close()
		h.log.Debug().Str("client_id", c.ID).Msg("client disconnected")
	}()

	pongWait := h.pingInterval * 2
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.hub.SendTo(c, Message{Type: TypeError, Code: "bad_message", Error: "message must be JSON"})
			continue
		}
		h.handle(ctx, c, msg)
	}
}

func (h *Handler) handle(ctx context.Context, c *Client, msg ClientMessage) {
	switch msg.Action {
	case "join":
		key, err := parseKey(msg)
		if err != nil {
			h.hub.SendTo(c, Message{Type: TypeError, Code: "bad_queue", Error: err.Error()})
			return
		}
		room := key.String()
		// Join before reading the snapshot so no update falls in between.
		h.hub.Join(c, room)
		h.hub.SendTo(c, Message{Type: TypeJoined, Queue: room})
		h.sendSnapshot(ctx, c, key)

	case "leave":
		room := h.hub.Room(c)
		h.hub.Leave(c)
		h.hub.SendTo(c, Message{Type: TypeLeft, Queue: room})

	case "snapshot":
		room := h.hub.Room(c)
		if room == "" {
			h.hub.SendTo(c, Message{Type: TypeError, Code: "not_joined", Error: "join a queue first"})
			return
		}
		key, err := appointment.ParseQueueKey(room)
		if err != nil {
			h.hub.SendTo(c, Message{Type: TypeError, Code: "bad_queue", Error: err.Error()})
			return
		}
		h.sendSnapshot(ctx, c, key)

	case "ping":
		h.hub.SendTo(c, Message{Type: TypePong})

	default:
		h.hub.SendTo(c, Message{Type: TypeError, Code: "unknown_action", Error: "unknown action " + msg.Action})
	}
}

func (h *Handler) sendSnapshot(ctx context.Context, c *Client, key appointment.QueueKey) {
	snap, err := h.source.Snapshot(ctx, key)
	if err != nil {
		h.log.Warn().Err(err).Str("queue", key.String()).Msg("snapshot for client failed")
		h.hub.SendTo(c, Message{Type: TypeError, Code: "unavailable", Error: "queue snapshot unavailable"})
		return
	}
	snap = snap.VisibleTo(c.Actor)
	h.hub.SendTo(c, Message{Type: TypeSnapshot, Queue: key.String(), Snapshot: &snap})
}

func (h *Handler) writePump(c *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseKey(msg ClientMessage) (appointment.QueueKey, error) {
	doctorID, err := uuid.Parse(msg.DoctorID)
	if err != nil {
		return appointment.QueueKey{}, err
	}
	date, err := appointment.ParseDate(msg.Date)
	if err != nil {
		return appointment.QueueKey{}, err
	}
	return appointment.NewQueueKey(doctorID, date), nil
}
