package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the derived lifecycle state of a poll. It is never persisted.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Poll represents a poll with its ordered option set.
type Poll struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category,omitempty"`
	CreatorID   string     `json:"creator_id"`
	Active      bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Options     []Option   `json:"options"`
	TotalVotes  int        `json:"vote_count"` // counted from stored votes on read
}

// HasOption reports whether optionID belongs to the poll.
func (p *Poll) HasOption(optionID uuid.UUID) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// Option is one choice of a poll. Options are immutable once created.
type Option struct {
	ID       uuid.UUID `json:"id"`
	PollID   uuid.UUID `json:"poll_id"`
	Text     string    `json:"text"`
	Position int       `json:"position"`
}

// Vote is one admitted vote. VoterID is an opaque identity (user id or client IP).
type Vote struct {
	ID        uuid.UUID `json:"id"`
	PollID    uuid.UUID `json:"poll_id"`
	OptionID  uuid.UUID `json:"option_id"`
	VoterID   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// VoteReceipt is returned to the caller after a vote is recorded.
type VoteReceipt struct {
	VoteID   uuid.UUID `json:"vote_id"`
	PollID   uuid.UUID `json:"poll_id"`
	OptionID uuid.UUID `json:"option_id"`
	VotedAt  time.Time `json:"voted_at"`
}
