package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/scribehq/scribed/internal/events"
)

// wsFrameNames maps bus event types to the frame types clients see.
var wsFrameNames = map[events.EventType]string{
	events.EventProcessAdded:        "process-added",
	events.EventProcessUpdated:      "process-updated",
	events.EventProcessRemoved:      "process-removed",
	events.EventProcessesCleared:    "processes-cleared",
	events.EventWorkspaceRegistered: "workspace-registered",
	events.EventQueueUpdated:        "queue-updated",
}

type wsFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub fans bus events out to connected WebSocket clients. A slow
// client drops frames instead of stalling the hub.
type wsHub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	sub *events.Subscription
}

func newWSHub(bus *events.Bus, log *slog.Logger) *wsHub {
	h := &wsHub{
		log:     log.With("component", "ws"),
		clients: make(map[*wsClient]struct{}),
	}
	if bus != nil {
		h.sub = bus.Subscribe(h.broadcast,
			events.EventProcessAdded,
			events.EventProcessUpdated,
			events.EventProcessRemoved,
			events.EventProcessesCleared,
			events.EventWorkspaceRegistered,
			events.EventQueueUpdated,
		)
	}
	return h
}

func (h *wsHub) broadcast(e events.Event) {
	name, ok := wsFrameNames[e.Type]
	if !ok {
		return
	}
	data, err := json.Marshal(wsFrame{Type: name, Payload: e.Payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Debug("dropping frame for slow client", "type", name)
		}
	}
}

func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
}

func (h *wsHub) writeLoop(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

var pongFrame = []byte(`{"type":"pong"}`)

func (h *wsHub) readLoop(ctx context.Context, c *wsClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		// Keep-alive frames are the only client-to-server traffic.
		if bytes.Contains(data, []byte("ping")) {
			select {
			case c.send <- pongFrame:
			default:
			}
		}
	}
}

// close disconnects all clients and detaches from the bus. Idempotent.
func (h *wsHub) close() {
	if h.sub != nil {
		h.sub.Unsubscribe()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}
