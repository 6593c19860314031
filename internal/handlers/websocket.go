package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meshcall/internal/call"
	"github.com/mossy-p/meshcall/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub fans the events of one session out to every websocket of its user.
type Hub struct {
	userID  string
	clients map[*Client]struct{}
	closed  bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	ID   int64
	Conn *websocket.Conn
	Send chan []byte
}

func newHub(userID string, logger *slog.Logger) *Hub {
	return &Hub{
		userID:  userID,
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// run forwards session events until the session closes its event stream.
func (h *Hub) run(events <-chan call.Event) {
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("marshal event", "type", ev.Kind, "err", err)
			continue
		}
		h.broadcast(data)
	}
	h.closeAll()
}

func (h *Hub) addClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.Send)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("failed to send event, buffer full", "user_id", h.userID, "client", client.ID)
		}
	}
}

// clientFrame is an inbound websocket frame. It mirrors the REST actions.
type clientFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MicMuted *bool  `json:"micMuted,omitempty"`
	VideoOff *bool  `json:"videoOff,omitempty"`
}

// HandleEvents upgrades to a websocket that streams the caller's session events.
func (a *API) HandleEvents(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	entry, ok := a.sessions.Get(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not in a call"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("failed to upgrade connection", "user_id", userID, "err", err)
		return
	}

	client := &Client{
		ID:   a.nextClientID(),
		Conn: conn,
		Send: make(chan []byte, clientSendSize),
	}
	if !entry.hub.addClient(client) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
		_ = conn.Close()
		return
	}
	a.logger.Info("event stream opened", "user_id", userID, "client", client.ID)

	go client.writePump(a.logger)
	go client.readPump(entry, a.logger)
}

func (c *Client) readPump(entry *sessionEntry, logger *slog.Logger) {
	defer func() {
		entry.hub.removeClient(c)
		c.Conn.Close()
		logger.Info("event stream closed", "user_id", entry.hub.userID, "client", c.ID)
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket error", "err", err)
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Warn("failed to parse frame", "err", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		switch frame.Type {
		case "message":
			_, err = entry.session.SendMessage(ctx, frame.Text)
		case "media":
			err = entry.session.SetMedia(ctx, frame.MicMuted, frame.VideoOff)
		default:
			logger.Warn("unknown frame type", "type", frame.Type)
			err = nil
		}
		cancel()
		if err != nil {
			entry.hub.sendError(c, err)
		}
	}
}

func (h *Hub) sendError(client *Client, err error) {
	data, merr := json.Marshal(call.Event{Kind: call.EventError, Error: err.Error()})
	if merr != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	// Send is closed once the client is removed.
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("failed to send error, buffer full", "user_id", h.userID, "client", client.ID)
	}
}

func (c *Client) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("failed to write message", "client", c.ID, "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
