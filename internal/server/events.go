package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/scrypster/materio/pkg/types"
)

// IngestionEvent is broadcast to stream subscribers when a queue entry
// reaches a terminal status.
type IngestionEvent struct {
	EntryID    string            `json:"entry_id"`
	MaterialID string            `json:"material_id"`
	Status     types.QueueStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	Timestamp  time.Time         `json:"timestamp"`
}

// EventHub fans ingestion events out to connected WebSocket clients.
type EventHub struct {
	clients    map[eventClient]bool
	broadcast  chan IngestionEvent
	register   chan eventClient
	unregister chan eventClient
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// eventClient abstracts a subscriber connection for testing.
type eventClient interface {
	sendChannel() chan []byte
	closeConn()
}

// NewEventHub creates an event hub. Call Run in a goroutine to start
// dispatching.
func NewEventHub() *EventHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventHub{
		clients:    make(map[eventClient]bool),
		broadcast:  make(chan IngestionEvent, 256),
		register:   make(chan eventClient),
		unregister: make(chan eventClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Ingestion stream client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Ingestion stream client disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("ERROR: failed to marshal ingestion event: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Slow consumer; drop it rather than block the hub.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *EventHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.closeConn()
	}
	h.clients = make(map[eventClient]bool)
	h.mu.Unlock()
}

// Broadcast queues an event for delivery. Drops the event when the hub
// is saturated; the stream is advisory, the queue table is the source
// of truth.
func (h *EventHub) Broadcast(event IngestionEvent) {
	select {
	case h.broadcast <- event:
	default:
		log.Println("WARNING: ingestion event channel full, dropping event")
	}
}

// wsClient is a live WebSocket subscriber.
type wsClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// ServeHTTP upgrades the request and subscribes it to the event stream.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("ERROR: WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client messages to detect disconnection.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
