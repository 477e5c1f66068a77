package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/store"
)

// VoteWriter is the storage capability the gate needs.
type VoteWriter interface {
	InsertVote(ctx context.Context, v *models.Vote) error
}

// Gate admits at most one vote per (poll, voter identity).
//
// Eligibility (poll exists, is active, option belongs to it) is checked in
// process; uniqueness is left entirely to the storage constraint behind
// InsertVote, so there is no check-then-insert window.
type Gate struct {
	votes VoteWriter
}

// NewGate creates a vote gate over w.
func NewGate(w VoteWriter) *Gate {
	return &Gate{votes: w}
}

// Check reports whether p can take a vote for optionID at now.
func Check(p *models.Poll, optionID uuid.UUID, now time.Time) error {
	if p == nil {
		return &NotFoundError{Resource: "poll"}
	}
	if Classify(p, now) != models.StatusActive {
		return &IneligibleError{Reason: ReasonPollExpired}
	}
	if !p.HasOption(optionID) {
		return &IneligibleError{Reason: ReasonInvalidOption}
	}
	return nil
}

// Admit checks eligibility and inserts the vote as one unit. A duplicate
// identity yields ConflictError{ReasonAlreadyVoted}.
func (g *Gate) Admit(ctx context.Context, p *models.Poll, optionID uuid.UUID, voterID string, now time.Time) (*models.Vote, error) {
	voterID = strings.TrimSpace(voterID)
	if voterID == "" {
		return nil, &ValidationError{Violations: []Violation{{Field: "voter", Message: "voter identity is required"}}}
	}
	if err := Check(p, optionID, now); err != nil {
		return nil, err
	}

	v := &models.Vote{
		ID:        uuid.New(),
		PollID:    p.ID,
		OptionID:  optionID,
		VoterID:   voterID,
		CreatedAt: now,
	}
	if err := g.votes.InsertVote(ctx, v); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateVote):
			return nil, &ConflictError{Reason: ReasonAlreadyVoted}
		case errors.Is(err, store.ErrOptionMismatch):
			return nil, &IneligibleError{Reason: ReasonInvalidOption}
		case errors.Is(err, store.ErrNotFound):
			return nil, &NotFoundError{Resource: "poll", ID: p.ID.String()}
		}
		return nil, fmt.Errorf("insert vote: %w", err)
	}
	return v, nil
}
