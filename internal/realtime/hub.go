package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains course_id -> set of connections and broadcasts waitlist
// events to them. With Redis configured, events go through pub/sub so every
// instance delivers them to its own clients.
type Hub struct {
	// courseID -> map[clientID]*Client
	courses  map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per course
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishCourseEvent(courseID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to course channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeCourse(courseID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a
// single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		courses:  make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a course feed. Starts Redis subscription for this course if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.courses[c.CourseID] == nil {
		h.courses[c.CourseID] = make(map[string]*Client)
		if h.redisSub != nil {
			courseID := c.CourseID
			cancel, err := h.redisSub.SubscribeCourse(courseID, func(event string, payload []byte) {
				h.Broadcast(courseID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("subscribe course channel", zap.String("course_id", courseID.String()), zap.Error(err))
			} else {
				h.subs[courseID] = cancel
			}
		}
	}
	h.courses[c.CourseID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined course feed", zap.String("client_id", c.ID), zap.String("course_id", c.CourseID.String()))
}

// Unregister removes a client from a course feed. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.courses[c.CourseID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.courses, c.CourseID)
			if cancel, ok := h.subs[c.CourseID]; ok {
				cancel()
				delete(h.subs, c.CourseID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left course feed", zap.String("client_id", c.ID), zap.String("course_id", c.CourseID.String()))
}

// Broadcast sends a message to all local clients watching a course.
func (h *Hub) Broadcast(courseID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal feed event", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.courses[courseID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to every instance. With Redis the subscriber
// callback performs the local broadcast, so it happens once per instance.
func (h *Hub) Publish(courseID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(courseID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.redis.PublishCourseEvent(courseID, event, data); err != nil {
		h.logger.Warn("publish course event", zap.String("course_id", courseID.String()), zap.Error(err))
		h.Broadcast(courseID, event, json.RawMessage(data))
	}
}

// Watchers returns the number of connected clients for a course.
func (h *Hub) Watchers(courseID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.courses[courseID])
}
