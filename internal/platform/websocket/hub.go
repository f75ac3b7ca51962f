// Package websocket implements the websocket subscription channel. Clients
// connect, send "bind <subscription-id>", and then receive "ping <id>" text
// frames whenever the bound subscription fires.
package websocket

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// BindCheck decides whether a client may bind to a subscription id.
type BindCheck func(subscriptionID string) error

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Bound []string
	Send  chan []byte
	conn  Conn
}

// NewClient returns a client with a buffered send queue.
func NewClient(conn Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, sendBuffer),
		conn: conn,
	}
}

// Hub tracks connected clients and the subscriptions they are bound to.
type Hub struct {
	mu     sync.RWMutex
	bound  map[string]map[*Client]struct{} // subscription id -> clients
	all    map[*Client]struct{}
	check  BindCheck
	logger zerolog.Logger
}

// NewHub creates a Hub. check may be nil to accept any id.
func NewHub(check BindCheck, logger zerolog.Logger) *Hub {
	return &Hub{
		bound:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		check:  check,
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister removes a client from the hub and every binding, and closes
// its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, id := range client.Bound {
		if clients, ok := h.bound[id]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.bound, id)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Bind attaches a client to a subscription id.
func (h *Hub) Bind(client *Client, subscriptionID string) error {
	if h.check != nil {
		if err := h.check(subscriptionID); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return nil
	}
	if h.bound[subscriptionID] == nil {
		h.bound[subscriptionID] = make(map[*Client]struct{})
	}
	if _, dup := h.bound[subscriptionID][client]; !dup {
		h.bound[subscriptionID][client] = struct{}{}
		client.Bound = append(client.Bound, subscriptionID)
	}
	return nil
}

// HandleMessage processes one inbound text frame and returns the reply, if
// any.
func (h *Hub) HandleMessage(client *Client, msg string) string {
	msg = strings.TrimSpace(msg)
	cmd, arg, _ := strings.Cut(msg, " ")
	switch strings.ToLower(cmd) {
	case "bind":
		id := strings.TrimSpace(arg)
		if id == "" {
			return "error Invalid bind request: missing subscription id"
		}
		if err := h.Bind(client, id); err != nil {
			return "error " + err.Error()
		}
		return "bound " + id
	default:
		return "error Unexpected command: " + cmd
	}
}

// Notify sends "ping <id>" to every client bound to the subscription and
// returns how many clients accepted the frame. Clients with a full queue are
// skipped.
func (h *Hub) Notify(subscriptionID string) int {
	frame := []byte("ping " + subscriptionID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.bound[subscriptionID] {
		select {
		case client.Send <- frame:
			sent++
		default:
			h.logger.Warn().Str("client", client.ID).Str("subscription", subscriptionID).Msg("client queue full, ping skipped")
		}
	}
	return sent
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// BoundCount returns the number of clients bound to a subscription.
func (h *Hub) BoundCount(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bound[subscriptionID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections and runs the read and write pumps.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the websocket endpoint on the group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/websocket", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// the pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(&gorillaConnAdapter{ws})
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client", client.ID).Str("remote_ip", c.RealIP()).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		reply := wsh.hub.HandleMessage(client, string(message))
		if reply == "" {
			continue
		}
		select {
		case client.Send <- []byte(reply):
		default:
		}
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
