package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Events sent to poll viewers.
const (
	EventPollResults = "poll_results"
	EventPollDeleted = "poll_deleted"
	EventViewerCount = "viewer_count"
)

// Hub maintains poll_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	// pollID -> map[clientID]*Client
	polls    map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per poll
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishPollEvent(pollID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to poll channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribePoll(pollID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis sides may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		polls:    make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a poll room. Starts Redis subscription for this poll if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.polls[c.PollID] == nil {
		h.polls[c.PollID] = make(map[string]*Client)
		if h.redisSub != nil {
			pollID := c.PollID
			cancel, err := h.redisSub.SubscribePoll(pollID, func(event string, payload []byte) {
				h.BroadcastToPoll(pollID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("poll_id", pollID.String()), zap.Error(err))
			} else {
				h.subs[pollID] = cancel
			}
		}
	}
	h.polls[c.PollID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("viewer joined poll", zap.String("client_id", c.ID), zap.String("poll_id", c.PollID.String()))
}

// Unregister removes a client from a poll room. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.polls[c.PollID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.polls, c.PollID)
			if cancel, ok := h.subs[c.PollID]; ok {
				cancel()
				delete(h.subs, c.PollID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("viewer left poll",
		zap.String("client_id", c.ID),
		zap.String("poll_id", c.PollID.String()),
		zap.Duration("watched", time.Since(c.JoinedAt)),
	)
}

// BroadcastToPoll sends a message to all clients watching a poll (local only).
func (h *Hub) BroadcastToPoll(pollID uuid.UUID, event string, payload interface{}) {
	data, ok := encode(payload)
	if !ok {
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.polls[pollID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishToPoll delivers an event to every viewer of the poll on every instance.
// With Redis the subscriber callback performs the broadcast once for all
// instances (including this one); without it the broadcast is local.
func (h *Hub) PublishToPoll(pollID uuid.UUID, event string, payload interface{}) {
	data, ok := encode(payload)
	if !ok {
		return
	}
	if h.redis != nil {
		if err := h.redis.PublishPollEvent(pollID, event, data); err != nil {
			h.logger.Warn("redis publish failed, broadcasting locally", zap.String("poll_id", pollID.String()), zap.Error(err))
			h.BroadcastToPoll(pollID, event, json.RawMessage(data))
		}
		return
	}
	h.BroadcastToPoll(pollID, event, json.RawMessage(data))
}

// PublishResults pushes a fresh results projection to the poll's viewers.
func (h *Hub) PublishResults(pollID uuid.UUID, results interface{}) {
	h.PublishToPoll(pollID, EventPollResults, results)
}

// PublishDeleted tells viewers the poll is gone.
func (h *Hub) PublishDeleted(pollID uuid.UUID) {
	h.PublishToPoll(pollID, EventPollDeleted, map[string]string{"poll_id": pollID.String()})
}

// ViewerCount returns the number of local clients watching a poll.
func (h *Hub) ViewerCount(pollID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.polls[pollID])
}

// SendToClient sends a message to a single client of a poll room.
func (h *Hub) SendToClient(pollID uuid.UUID, clientID string, event string, payload interface{}) {
	data, ok := encode(payload)
	if !ok {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c, ok := h.polls[pollID][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func encode(payload interface{}) ([]byte, bool) {
	switch v := payload.(type) {
	case []byte:
		return v, true
	case json.RawMessage:
		return v, true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return data, true
}
