package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed is authorised by token, not origin
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one instructor connection watching a course waitlist.
type Client struct {
	ID       string
	CourseID uuid.UUID
	UserID   uuid.UUID
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// Authorize checks a feed token for a course and returns the user id.
type Authorize func(ctx context.Context, token string, courseID uuid.UUID) (uuid.UUID, error)

// Snapshot returns the current waitlist sent to a client when it connects.
type Snapshot func(ctx context.Context, courseID uuid.UUID) (interface{}, error)

// ServeWs handles GET /courses/:id/waitlist/live. The bearer token comes in
// the token query parameter since browsers cannot set headers on upgrade.
func ServeWs(hub *Hub, logger *zap.Logger, authorize Authorize, snapshot Snapshot) gin.HandlerFunc {
	return func(c *gin.Context) {
		courseID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "ugyldig kurs-id"})
			return
		}
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "token mangler"})
			return
		}
		userID, err := authorize(c.Request.Context(), token, courseID)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "ingen tilgang til kurset"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			CourseID: courseID,
			UserID:   userID,
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		hub.Register(client)
		if snapshot != nil {
			if state, err := snapshot(c.Request.Context(), courseID); err == nil {
				client.enqueue(EventSnapshot, state)
			} else {
				logger.Warn("feed snapshot", zap.String("course_id", courseID.String()), zap.Error(err))
			}
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) enqueue(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

// readPump only keeps the connection alive; the feed is one-way.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "ping" {
			c.enqueue("pong", map[string]int{"watchers": c.hub.Watchers(c.CourseID)})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
