package monitor

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The status feed carries no session-sensitive data, so any
		// origin may open a dashboard connection.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsClient is one connected dashboard's outbound feed: a buffered send
// channel drained by writePump, matching the teacher's signaling-client
// shape minus the inbound message handling (this feed is one-way).
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Printf("websocket upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	m.mu.Lock()
	m.clients[client] = struct{}{}
	m.mu.Unlock()

	go client.writePump()
	go m.readPump(client)
}

// readPump only watches for the client going away; the feed carries no
// inbound commands.
func (m *Monitor) readPump(c *wsClient) {
	defer func() {
		m.mu.Lock()
		delete(m.clients, c)
		m.mu.Unlock()
		c.close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		err := c.conn.WriteMessage(websocket.TextMessage, message)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsClient) enqueue(message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		// Slow dashboard reader: drop rather than block the publisher.
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// broadcast fans a single encoded snapshot out to every connected client.
func (m *Monitor) broadcast(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		c.enqueue(data)
	}
}
