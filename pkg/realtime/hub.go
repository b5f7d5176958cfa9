// Package realtime fans analytics events out to websocket subscribers.
// Delivery is best-effort: a subscriber that cannot keep up is dropped.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is the JSON envelope pushed to every subscriber.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{}

	mu       sync.RWMutex
	maxQueue int
}

// NewHub builds a hub whose per-client outbound queue holds maxQueue
// messages; a full queue drops the client.
func NewHub(maxQueue int) *Hub {
	if maxQueue <= 0 {
		maxQueue = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		maxQueue:   maxQueue,
	}
}

// Run is the hub's main loop; call it once in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			var full []*Client
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					full = append(full, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range full {
				log.Warn().Str("client", client.id).Msg("subscriber queue full, dropping connection")
				h.drop(client)
			}

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and waits for the loop to exit.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.done
}

// Publish broadcasts one event to every subscriber. It never blocks the
// caller: when the hub's inbound queue is full the event is discarded.
func (h *Hub) Publish(eventType string, payload any) {
	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
	message, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("failed to encode realtime event")
		return
	}
	select {
	case h.broadcast <- message:
	case <-h.stop:
	default:
		log.Warn().Str("event", eventType).Msg("realtime broadcast queue full, event dropped")
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// NewClient wraps an upgraded connection. Call Register then start the
// two pumps.
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.maxQueue),
		id:   id,
	}
}

// Register adds the client to the hub.
func (c *Client) Register() {
	c.hub.register <- c
}

// ReadPump drains inbound frames until the peer goes away, then
// unregisters. Subscribers do not send application data.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump forwards queued messages to the connection until the hub
// closes the queue or a write fails.
func (c *Client) WritePump() {
	defer func() { _ = c.conn.Close() }()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Upgrader is shared by the websocket endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}
