package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"
	"homewatch/notify"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientSendSize = 256
)

// Realtime event names
const (
	EventNewAlert      = "new_alert"
	EventRoomAlertBase = "room_alert_"
)

// ErrHubClosed is returned when broadcasting after the hub stopped
var ErrHubClosed = errors.New("websocket hub closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the frame every client receives
type wsMessage struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient sits between one websocket connection and the hub
type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the set of connected dashboard clients and broadcasts realtime events to them
type Hub struct {
	logger     *zap.Logger
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast requests until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(n))
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id),
				zap.String("remote_addr", client.conn.RemoteAddr().String()))

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("WebSocket client send buffer full, removing", zap.String("client_id", client.id))
					close(client.send)
					delete(h.clients, client)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(n))
		}
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebsocketClients.Set(float64(n))
		h.logger.Info("WebSocket client unregistered", zap.String("client_id", client.id))
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	metrics.WebsocketClients.Set(0)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every connected client. It does not wait for delivery.
func (h *Hub) Broadcast(event string, payload any) error {
	message, err := json.Marshal(wsMessage{Event: event, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- message:
		return nil
	case <-h.done:
		return ErrHubClosed
	default:
		return fmt.Errorf("broadcast queue full, %s event dropped", event)
	}
}

// ServeWS upgrades the request and registers the connection with the hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{id: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, clientSendSize)}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only serves control frames; dashboards never send data
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("WebSocket write error", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RealtimeSender is the websocket notification channel. It emits the alert to
// all dashboards and to the room specific event.
type RealtimeSender struct {
	broadcaster notify.Broadcaster
}

func NewRealtimeSender(b notify.Broadcaster) *RealtimeSender {
	return &RealtimeSender{broadcaster: b}
}

func (s *RealtimeSender) Channel() models.Channel { return models.ChannelWebsocket }

func (s *RealtimeSender) Send(ctx context.Context, env models.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload := map[string]any{
		"subject":  env.Subject,
		"message":  env.Body,
		"priority": env.Priority,
		"alert":    env.StructuredData,
	}
	if err := s.broadcaster.Broadcast(EventNewAlert, payload); err != nil {
		return "", err
	}
	room, _ := env.StructuredData["room"].(string)
	if room == "" {
		return "broadcast " + EventNewAlert, nil
	}
	roomEvent := EventRoomAlertBase + room
	if err := s.broadcaster.Broadcast(roomEvent, payload); err != nil {
		return "", err
	}
	return fmt.Sprintf("broadcast %s, %s", EventNewAlert, roomEvent), nil
}
