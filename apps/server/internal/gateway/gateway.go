package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Restrict in production
	},
}

// clientMessage is the only frame clients send: subscription management.
// Game actions go over HTTP; the socket is a one-way event feed per game.
type clientMessage struct {
	Type   string `json:"type"` // "subscribe" | "unsubscribe"
	GameID string `json:"gameId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"error"`
}

// Connection is one WebSocket observer.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Gateway *Gateway

	mu    sync.Mutex
	games map[string]bool // subscribed game ids
}

// Gateway fans session event envelopes out to WebSocket observers
// subscribed by game id.
type Gateway struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byGame      map[string]map[string]*Connection // gameID -> connID -> conn
	nextConnID  uint64
}

func New() *Gateway {
	return &Gateway{
		connections: make(map[string]*Connection),
		byGame:      make(map[string]map[string]*Connection),
	}
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	g.mu.Lock()
	g.nextConnID++
	connID := fmt.Sprintf("conn_%d", g.nextConnID)
	c := &Connection{
		ID:      connID,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		Gateway: g,
		games:   make(map[string]bool),
	}
	g.connections[connID] = c
	total := len(g.connections)
	g.mu.Unlock()

	log.Printf("[Gateway] Client connected: %s, total: %d", connID, total)

	go c.readPump()
	go c.writePump()
}

func (c *Connection) readPump() {
	defer func() {
		c.Gateway.removeConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(65536)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			break
		}
		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}
	if msg.GameID == "" {
		c.sendError("gameId is required")
		return
	}

	switch msg.Type {
	case "subscribe":
		c.Gateway.subscribe(c, msg.GameID)
	case "unsubscribe":
		c.Gateway.unsubscribe(c, msg.GameID)
	default:
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Connection) sendError(msg string) {
	data, _ := json.Marshal(errorFrame{Type: "error", Message: msg})
	select {
	case c.Send <- data:
	default:
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) subscribe(c *Connection, gameID string) {
	c.mu.Lock()
	c.games[gameID] = true
	c.mu.Unlock()

	g.mu.Lock()
	if g.byGame[gameID] == nil {
		g.byGame[gameID] = make(map[string]*Connection)
	}
	g.byGame[gameID][c.ID] = c
	g.mu.Unlock()

	log.Printf("[Gateway] %s subscribed to game %s", c.ID, gameID)
}

func (g *Gateway) unsubscribe(c *Connection, gameID string) {
	c.mu.Lock()
	delete(c.games, gameID)
	c.mu.Unlock()

	g.mu.Lock()
	if conns := g.byGame[gameID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(g.byGame, gameID)
		}
	}
	g.mu.Unlock()
}

func (g *Gateway) removeConnection(c *Connection) {
	c.mu.Lock()
	games := make([]string, 0, len(c.games))
	for id := range c.games {
		games = append(games, id)
	}
	c.mu.Unlock()

	g.mu.Lock()
	delete(g.connections, c.ID)
	for _, gameID := range games {
		if conns := g.byGame[gameID]; conns != nil {
			delete(conns, c.ID)
			if len(conns) == 0 {
				delete(g.byGame, gameID)
			}
		}
	}
	total := len(g.connections)
	g.mu.Unlock()

	log.Printf("[Gateway] Client disconnected: %s, total: %d", c.ID, total)
}

// BroadcastToGame sends one event frame to every subscriber of a game.
// Never blocks: a slow client's buffer overflowing drops the frame for
// that client only.
func (g *Gateway) BroadcastToGame(gameID string, data []byte) {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.byGame[gameID]))
	for _, c := range g.byGame[gameID] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.Send <- data:
		default:
			// Drop if buffer full
		}
	}
}
