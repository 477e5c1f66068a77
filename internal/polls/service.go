package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/store"
)

// Service is the poll engine: validation, vote admission, tallies and queries
// over a single shared store.
type Service struct {
	store  store.Store
	gate   *Gate
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a poll service backed by st.
func NewService(st store.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  st,
		gate:   NewGate(st),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock reading in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// CreatePoll validates d and stores the poll with its options in one step.
// On a ValidationError nothing is written.
func (s *Service) CreatePoll(ctx context.Context, creatorID string, d Draft) (*models.Poll, error) {
	now := s.Now()
	d = d.normalized()
	violations := validateDraft(d, now, true)
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		violations = append(violations, Violation{Field: "creator", Message: "creator identity is required"})
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	p := &models.Poll{
		ID:          uuid.New(),
		Title:       d.Title,
		Description: d.Description,
		Category:    d.Category,
		CreatorID:   creatorID,
		Active:      true,
		ExpiresAt:   utcPtr(d.ExpiresAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.Options = buildOptions(p.ID, d.Options)
	if err := s.store.CreatePoll(ctx, p); err != nil {
		return nil, fmt.Errorf("create poll: %w", err)
	}
	s.logger.Info("poll created",
		zap.String("poll_id", p.ID.String()),
		zap.String("creator_id", creatorID),
		zap.Int("options", len(p.Options)),
	)
	return p, nil
}

// GetPoll returns a poll with its options and vote total.
func (s *Service) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	p, err := s.store.GetPoll(ctx, id)
	if err != nil {
		return nil, pollLookupErr(id, err)
	}
	return p, nil
}

// ListPolls returns the stored polls matching f, newest first.
func (s *Service) ListPolls(ctx context.Context, f store.ListFilter) ([]*models.Poll, error) {
	list, err := s.store.ListPolls(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	return list, nil
}

// Search lists polls matching f and runs them through the query pipeline.
func (s *Service) Search(ctx context.Context, f store.ListFilter, q Query) ([]*models.Poll, error) {
	list, err := s.ListPolls(ctx, f)
	if err != nil {
		return nil, err
	}
	return Apply(list, q, s.Now()), nil
}

// RecordVote admits one vote by voterID for optionID on pollID.
func (s *Service) RecordVote(ctx context.Context, pollID, optionID uuid.UUID, voterID string) (*models.VoteReceipt, error) {
	p, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	v, err := s.gate.Admit(ctx, p, optionID, voterID, s.Now())
	if err != nil {
		s.logDenied(pollID, voterID, err)
		return nil, err
	}
	s.logger.Info("vote recorded",
		zap.String("poll_id", pollID.String()),
		zap.String("option_id", optionID.String()),
		zap.String("vote_id", v.ID.String()),
	)
	return &models.VoteReceipt{
		VoteID:   v.ID,
		PollID:   v.PollID,
		OptionID: v.OptionID,
		VotedAt:  v.CreatedAt,
	}, nil
}

// DeletePoll removes a poll with its options and votes. Only the creator may delete.
func (s *Service) DeletePoll(ctx context.Context, id uuid.UUID, requester string) error {
	if _, err := s.OwnedPoll(ctx, id, requester, "delete this poll"); err != nil {
		return err
	}
	if err := s.store.DeletePoll(ctx, id); err != nil {
		return pollLookupErr(id, err)
	}
	s.logger.Info("poll deleted", zap.String("poll_id", id.String()), zap.String("requester", requester))
	return nil
}

// Update is a partial edit of a poll. Nil fields are left unchanged; a non-nil
// Options replaces the whole option set.
type Update struct {
	Title       *string
	Description *string
	Category    *string
	ExpiresAt   *time.Time
	ClearExpiry bool
	Options     []string
}

// UpdatePoll applies u to the poll. Only the creator may edit. Replacing the
// options of a poll that already has votes is refused with ConflictError.
func (s *Service) UpdatePoll(ctx context.Context, id uuid.UUID, requester string, u Update) (*models.Poll, error) {
	p, err := s.OwnedPoll(ctx, id, requester, "edit this poll")
	if err != nil {
		return nil, err
	}

	d := Draft{Title: p.Title, Description: p.Description, Category: p.Category, Options: u.Options}
	if u.Title != nil {
		d.Title = *u.Title
	}
	if u.Description != nil {
		d.Description = *u.Description
	}
	if u.Category != nil {
		d.Category = *u.Category
	}
	if u.ExpiresAt != nil && !u.ClearExpiry {
		d.ExpiresAt = u.ExpiresAt
	}
	now := s.Now()
	d = d.normalized()
	replaceOptions := u.Options != nil
	if violations := validateDraft(d, now, replaceOptions); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	p.Title, p.Description, p.Category = d.Title, d.Description, d.Category
	switch {
	case u.ClearExpiry:
		p.ExpiresAt = nil
	case u.ExpiresAt != nil:
		p.ExpiresAt = utcPtr(u.ExpiresAt)
	}
	if replaceOptions {
		p.Options = buildOptions(p.ID, d.Options)
	}
	p.UpdatedAt = now

	if err := s.store.UpdatePoll(ctx, p, replaceOptions); err != nil {
		if errors.Is(err, store.ErrHasVotes) {
			return nil, &ConflictError{Reason: ReasonPollHasVotes}
		}
		return nil, pollLookupErr(id, err)
	}
	s.logger.Info("poll updated", zap.String("poll_id", id.String()), zap.Bool("options_replaced", replaceOptions))
	return s.GetPoll(ctx, id)
}

// SetActive flips the explicit active flag. Only the creator may do this.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, requester string, active bool) (*models.Poll, error) {
	if _, err := s.OwnedPoll(ctx, id, requester, "change this poll's status"); err != nil {
		return nil, err
	}
	if err := s.store.SetActive(ctx, id, active, s.Now()); err != nil {
		return nil, pollLookupErr(id, err)
	}
	s.logger.Info("poll active flag changed", zap.String("poll_id", id.String()), zap.Bool("active", active))
	return s.GetPoll(ctx, id)
}

// Tally computes the vote counts of a poll from its stored votes.
func (s *Service) Tally(ctx context.Context, id uuid.UUID) (*models.Poll, models.Tally, error) {
	p, err := s.GetPoll(ctx, id)
	if err != nil {
		return nil, models.Tally{}, err
	}
	counts, err := s.store.VoteCounts(ctx, id)
	if err != nil {
		return nil, models.Tally{}, pollLookupErr(id, err)
	}
	return p, TallyFromCounts(p, counts), nil
}

// Results projects the tally of a poll. When viewerID has voted, the chosen
// option is included.
func (s *Service) Results(ctx context.Context, id uuid.UUID, viewerID string) (*models.Results, error) {
	p, t, err := s.Tally(ctx, id)
	if err != nil {
		return nil, err
	}
	var userVote *uuid.UUID
	if viewerID = strings.TrimSpace(viewerID); viewerID != "" {
		v, err := s.store.FindVote(ctx, id, viewerID)
		switch {
		case err == nil:
			userVote = &v.OptionID
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("find vote: %w", err)
		}
	}
	r := Project(p, t, userVote, s.Now())
	return &r, nil
}

// OwnedPoll returns the poll when requester created it and a ForbiddenError
// naming action otherwise.
func (s *Service) OwnedPoll(ctx context.Context, id uuid.UUID, requester, action string) (*models.Poll, error) {
	p, err := s.GetPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	if requester = strings.TrimSpace(requester); requester == "" || requester != p.CreatorID {
		return nil, &ForbiddenError{Action: action}
	}
	return p, nil
}

func (s *Service) logDenied(pollID uuid.UUID, voterID string, err error) {
	var reason Reason
	var conflict *ConflictError
	var ineligible *IneligibleError
	switch {
	case errors.As(err, &conflict):
		reason = conflict.Reason
	case errors.As(err, &ineligible):
		reason = ineligible.Reason
	case errors.Is(err, ErrNotFound):
		reason = ReasonPollNotFound
	default:
		s.logger.Error("vote failed", zap.String("poll_id", pollID.String()), zap.Error(err))
		return
	}
	s.logger.Info("vote denied",
		zap.String("poll_id", pollID.String()),
		zap.String("voter", voterID),
		zap.String("reason", string(reason)),
	)
}

func pollLookupErr(id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Resource: "poll", ID: id.String()}
	}
	return fmt.Errorf("poll %s: %w", id, err)
}

func buildOptions(pollID uuid.UUID, texts []string) []models.Option {
	out := make([]models.Option, 0, len(texts))
	for i, text := range texts {
		out = append(out, models.Option{
			ID:       uuid.New(),
			PollID:   pollID,
			Text:     text,
			Position: i,
		})
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
