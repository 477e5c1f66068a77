// Package exports tracks results export requests. The job itself is run by
// internal/worker; this package owns the request record and the HTTP surface.
package exports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Status is the lifecycle state of an export.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// RecordTTL bounds how long an export record is kept in Redis.
const RecordTTL = 24 * time.Hour

const keyPrefix = "export:"

// ErrNotFound is returned for an unknown or expired export id.
var ErrNotFound = errors.New("export not found")

// Export is one request to snapshot a poll's results to object storage.
type Export struct {
	ID          uuid.UUID  `json:"id"`
	PollID      uuid.UUID  `json:"poll_id"`
	RequestedBy string     `json:"requested_by"`
	Status      Status     `json:"status"`
	Key         string     `json:"key,omitempty"`
	Error       string     `json:"error,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
}

// Tracker stores export records as JSON strings under export:<id>.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTracker creates a Redis-backed export tracker.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client, ttl: RecordTTL}
}

// Save writes the record, resetting its TTL.
func (t *Tracker) Save(ctx context.Context, e *Export) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	if err := t.client.Set(ctx, keyPrefix+e.ID.String(), raw, t.ttl).Err(); err != nil {
		return fmt.Errorf("save export: %w", err)
	}
	return nil
}

// Get loads a record.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*Export, error) {
	raw, err := t.client.Get(ctx, keyPrefix+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get export: %w", err)
	}
	var e Export
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &e, nil
}

// MarkReady records the uploaded object key.
func (t *Tracker) MarkReady(ctx context.Context, id uuid.UUID, key string, at time.Time) error {
	return t.update(ctx, id, func(e *Export) {
		e.Status = StatusReady
		e.Key = key
		e.Error = ""
		e.CompletedAt = &at
	})
}

// MarkFailed records a terminal failure.
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return t.update(ctx, id, func(e *Export) {
		e.Status = StatusFailed
		e.Error = reason
		e.CompletedAt = &at
	})
}

func (t *Tracker) update(ctx context.Context, id uuid.UUID, fn func(*Export)) error {
	e, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(e)
	return t.Save(ctx, e)
}
