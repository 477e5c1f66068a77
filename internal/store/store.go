// Package store defines poll persistence and an in-memory implementation.
// Postgres and SQLite implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
)

var (
	// ErrNotFound is returned when a poll (or the option a vote references) does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateVote is returned when (poll_id, voter_id) already has a vote.
	ErrDuplicateVote = errors.New("duplicate vote")
	// ErrOptionMismatch is returned when a vote references an option of another poll.
	ErrOptionMismatch = errors.New("option does not belong to poll")
	// ErrHasVotes is returned when an option set replacement is attempted on a poll with votes.
	ErrHasVotes = errors.New("poll has votes")
)

// ListFilter narrows ListPolls. Zero value lists every poll.
type ListFilter struct {
	CreatorID string
}

// Store is the single writer of polls, options and votes.
//
// Every poll returned by GetPoll and ListPolls carries its options in position
// order and TotalVotes counted from the stored votes.
type Store interface {
	// CreatePoll inserts the poll and all of its options atomically.
	CreatePoll(ctx context.Context, p *models.Poll) error
	GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	ListPolls(ctx context.Context, f ListFilter) ([]*models.Poll, error)
	// UpdatePoll rewrites title, description, category, expires_at and updated_at.
	// The active flag is left as stored; use SetActive for it. When replaceOptions
	// is set the option set is swapped in the same transaction; ErrHasVotes if the
	// poll already has votes.
	UpdatePoll(ctx context.Context, p *models.Poll, replaceOptions bool) error
	// SetActive writes only is_active and updated_at.
	SetActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
	// DeletePoll removes the poll together with its options and votes.
	DeletePoll(ctx context.Context, id uuid.UUID) error

	// InsertVote appends a vote. Uniqueness of (poll_id, voter_id) is enforced here:
	// concurrent inserts for the same pair yield exactly one success and ErrDuplicateVote
	// for the rest.
	InsertVote(ctx context.Context, v *models.Vote) error
	// VoteCounts returns the number of votes per option id for a poll.
	VoteCounts(ctx context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error)
	// FindVote returns the vote cast by voterID on pollID, or ErrNotFound.
	FindVote(ctx context.Context, pollID uuid.UUID, voterID string) (*models.Vote, error)

	Close() error
}
