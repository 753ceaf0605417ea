package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/kilnworks/kilnd/internal/oven"
)

// backlogPoints caps the downsampled history sent to a newly connected
// client. Browsers chart fine at this resolution and the payload stays
// small over slow links.
const backlogPoints = 500

// WSEvent is the JSON envelope broadcast to WebSocket clients.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// CommandHandler consumes control commands sent by clients.
type CommandHandler interface {
	Apply(cmd oven.Command) error
}

// BacklogSource supplies the downsampled history for new clients.
type BacklogSource interface {
	HistorySubset(max int) []oven.Snapshot
}

// Hub manages WebSocket client connections. Each client receives the
// downsampled backlog once on connect, then incremental live updates.
// Incoming client messages are parsed as control commands.
type Hub struct {
	// Commands and Backlog are wired before Run is called; either may be
	// nil, disabling command input or the backlog respectively.
	Commands CommandHandler
	Backlog  BacklogSource

	mu      sync.RWMutex
	clients map[*Client]bool

	registerCh   chan *Client
	unregisterCh chan *Client
	broadcastCh  chan []byte
}

// Client wraps a single WebSocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		registerCh:   make(chan *Client, 16),
		unregisterCh: make(chan *Client, 16),
		broadcastCh:  make(chan []byte, 256),
	}
}

// Run processes register, unregister, and broadcast events.
// Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case client := <-h.registerCh:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.sendBacklog(client)

		case client := <-h.unregisterCh:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()

		case data := <-h.broadcastCh:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client buffer full, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// sendBacklog queues the full downsampled history for one client. Sent
// exactly once per connection, never repeated on live updates.
func (h *Hub) sendBacklog(c *Client) {
	if h.Backlog == nil {
		return
	}
	history := h.Backlog.HistorySubset(backlogPoints)
	if len(history) == 0 {
		return
	}
	data, err := json.Marshal(WSEvent{Type: "backlog", Payload: history})
	if err != nil {
		log.Printf("websocket: failed to marshal backlog: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("websocket: client buffer full, backlog dropped")
	}
}

// Broadcast sends data to all connected clients.
// Safe to call from any goroutine.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcastCh <- data:
	default:
		// Broadcast channel full, drop message
	}
}

// BroadcastEvent marshals a WSEvent and broadcasts it.
func (h *Hub) BroadcastEvent(eventType string, payload interface{}) {
	evt := WSEvent{Type: eventType, Payload: payload}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("websocket: failed to marshal event: %v", err)
		return
	}
	h.Broadcast(data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket is an HTTP handler that upgrades to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins for LAN use
	})
	if err != nil {
		log.Printf("websocket: accept failed: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.registerCh <- client

	go h.writePump(r.Context(), client)
	h.readPump(r.Context(), client)
}

// writePump sends messages from the client's send channel to the WebSocket.
func (h *Hub) writePump(ctx context.Context, c *Client) {
	defer func() {
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump reads client messages and applies them as control commands.
// Malformed or rejected commands are reported back on the broadcast
// channel by the control loop; they never tear down the connection.
func (h *Hub) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.unregisterCh <- c
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if h.Commands == nil {
			continue
		}
		var cmd oven.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("websocket: ignoring malformed command: %v", err)
			continue
		}
		if err := h.Commands.Apply(cmd); err != nil {
			log.Printf("websocket: command rejected: %v", err)
		}
	}
}
