package realtime

import (
	"context"
	"encoding/json"
	"errors"
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
		return true // viewers are read-only; CORS is enforced on the HTTP API
	},
}

// ErrPollNotFound is returned by a Snapshot func for an unknown poll.
var ErrPollNotFound = errors.New("poll not found")

// Snapshot returns the current results of a poll for a newly joined viewer.
type Snapshot func(ctx context.Context, pollID uuid.UUID) (interface{}, error)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single read-only WebSocket viewer of a poll.
type Client struct {
	ID       string
	PollID   uuid.UUID
	JoinedAt time.Time
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	snapshot Snapshot
	logger   *zap.Logger
}

// ServeWs handles GET /ws?poll_id=: upgrades, sends the current results and
// then streams poll_results events until the viewer disconnects.
func ServeWs(hub *Hub, logger *zap.Logger, snapshot Snapshot) gin.HandlerFunc {
	return func(c *gin.Context) {
		pollIDStr := c.Query("poll_id")
		if pollIDStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "poll_id required"})
			return
		}
		pollID, err := uuid.Parse(pollIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid poll_id"})
			return
		}
		initial, err := snapshot(c.Request.Context(), pollID)
		if err != nil {
			if errors.Is(err, ErrPollNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "poll not found"})
				return
			}
			logger.Error("results snapshot", zap.String("poll_id", pollID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			PollID:   pollID,
			JoinedAt: time.Now(),
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			snapshot: snapshot,
			logger:   logger,
		}
		hub.Register(client)
		hub.SendToClient(pollID, client.ID, EventPollResults, initial)
		go client.writePump()
		client.readPump()
	}
}

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

		switch msg.Event {
		case "refresh":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r, err := c.snapshot(ctx, c.PollID)
			cancel()
			if err != nil {
				if errors.Is(err, ErrPollNotFound) {
					c.hub.SendToClient(c.PollID, c.ID, EventPollDeleted, map[string]string{"poll_id": c.PollID.String()})
				}
				continue
			}
			c.hub.SendToClient(c.PollID, c.ID, EventPollResults, r)
		case "viewers":
			c.hub.SendToClient(c.PollID, c.ID, EventViewerCount, map[string]int{
				"count": c.hub.ViewerCount(c.PollID),
			})
		default:
			// viewers cannot write; votes go through the HTTP API
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
