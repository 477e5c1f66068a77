// Package storetest is a behaviour suite every store.Store implementation runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewPoll builds a poll with the given option texts, created at base+offset.
func NewPoll(creator string, offset time.Duration, texts ...string) *models.Poll {
	p := &models.Poll{
		ID:          uuid.New(),
		Title:       "Poll " + creator,
		Description: "desc",
		Category:    "general",
		CreatorID:   creator,
		Active:      true,
		CreatedAt:   base.Add(offset),
		UpdatedAt:   base.Add(offset),
	}
	for i, text := range texts {
		p.Options = append(p.Options, models.Option{ID: uuid.New(), PollID: p.ID, Text: text, Position: i})
	}
	return p
}

func newVote(p *models.Poll, option int, voter string) *models.Vote {
	return &models.Vote{
		ID:        uuid.New(),
		PollID:    p.ID,
		OptionID:  p.Options[option].ID,
		VoterID:   voter,
		CreatedAt: base.Add(time.Minute),
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	open := func(t *testing.T) store.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		expires := base.Add(48 * time.Hour)
		p := NewPoll("alice", 0, "red", "green", "blue")
		p.ExpiresAt = &expires
		mustCreate(t, s, p)

		got, err := s.GetPoll(ctx, p.ID)
		if err != nil {
			t.Fatalf("get poll: %v", err)
		}
		if got.Title != p.Title || got.CreatorID != "alice" || !got.Active || got.TotalVotes != 0 {
			t.Fatalf("unexpected poll: %+v", got)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
			t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, expires)
		}
		if !got.CreatedAt.Equal(p.CreatedAt) {
			t.Fatalf("created_at = %v, want %v", got.CreatedAt, p.CreatedAt)
		}
		if len(got.Options) != 3 {
			t.Fatalf("options = %d, want 3", len(got.Options))
		}
		for i, o := range got.Options {
			if o.ID != p.Options[i].ID || o.Text != p.Options[i].Text || o.Position != i {
				t.Fatalf("option %d = %+v, want %+v", i, o, p.Options[i])
			}
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		if _, err := s.GetPoll(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list newest first with creator filter", func(t *testing.T) {
		s := open(t)
		older := NewPoll("alice", 0, "a", "b")
		newer := NewPoll("bob", time.Hour, "a", "b")
		mustCreate(t, s, older)
		mustCreate(t, s, newer)

		all, err := s.ListPolls(ctx, store.ListFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 2 || all[0].ID != newer.ID || all[1].ID != older.ID {
			t.Fatalf("unexpected order: %v", ids(all))
		}
		if len(all[0].Options) != 2 {
			t.Fatalf("listed poll options = %d, want 2", len(all[0].Options))
		}

		mine, err := s.ListPolls(ctx, store.ListFilter{CreatorID: "alice"})
		if err != nil {
			t.Fatalf("list mine: %v", err)
		}
		if len(mine) != 1 || mine[0].ID != older.ID {
			t.Fatalf("creator filter returned %v", ids(mine))
		}
	})

	t.Run("vote errors", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b")
		other := NewPoll("bob", 0, "x", "y")
		mustCreate(t, s, p)
		mustCreate(t, s, other)

		if err := s.InsertVote(ctx, newVote(p, 0, "v1")); err != nil {
			t.Fatalf("first vote: %v", err)
		}
		if err := s.InsertVote(ctx, newVote(p, 1, "v1")); !errors.Is(err, store.ErrDuplicateVote) {
			t.Fatalf("expected ErrDuplicateVote, got %v", err)
		}
		foreign := newVote(p, 0, "v2")
		foreign.OptionID = other.Options[0].ID
		if err := s.InsertVote(ctx, foreign); !errors.Is(err, store.ErrOptionMismatch) {
			t.Fatalf("expected ErrOptionMismatch, got %v", err)
		}
		missing := newVote(p, 0, "v3")
		missing.PollID = uuid.New()
		if err := s.InsertVote(ctx, missing); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		// the same voter may vote on another poll
		if err := s.InsertVote(ctx, newVote(other, 0, "v1")); err != nil {
			t.Fatalf("vote on other poll: %v", err)
		}
	})

	t.Run("concurrent duplicate votes admit one", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b")
		mustCreate(t, s, p)

		const attempts = 16
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.InsertVote(ctx, newVote(p, i%2, "same-voter"))
			}(i)
		}
		wg.Wait()
		close(errs)

		var ok, dup int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrDuplicateVote):
				dup++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || dup != attempts-1 {
			t.Fatalf("ok=%d dup=%d, want 1 and %d", ok, dup, attempts-1)
		}
		got, err := s.GetPoll(ctx, p.ID)
		if err != nil {
			t.Fatalf("get poll: %v", err)
		}
		if got.TotalVotes != 1 {
			t.Fatalf("total votes = %d, want 1", got.TotalVotes)
		}
	})

	t.Run("counts and find vote", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b", "c")
		mustCreate(t, s, p)
		for i, opt := range []int{0, 0, 2} {
			if err := s.InsertVote(ctx, newVote(p, opt, fmt.Sprintf("voter-%d", i))); err != nil {
				t.Fatalf("vote %d: %v", i, err)
			}
		}

		counts, err := s.VoteCounts(ctx, p.ID)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[p.Options[0].ID] != 2 || counts[p.Options[1].ID] != 0 || counts[p.Options[2].ID] != 1 {
			t.Fatalf("unexpected counts: %v", counts)
		}
		got, err := s.GetPoll(ctx, p.ID)
		if err != nil {
			t.Fatalf("get poll: %v", err)
		}
		if got.TotalVotes != 3 {
			t.Fatalf("total votes = %d, want 3", got.TotalVotes)
		}

		v, err := s.FindVote(ctx, p.ID, "voter-2")
		if err != nil {
			t.Fatalf("find vote: %v", err)
		}
		if v.OptionID != p.Options[2].ID || v.VoterID != "voter-2" {
			t.Fatalf("unexpected vote: %+v", v)
		}
		if _, err := s.FindVote(ctx, p.ID, "nobody"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.VoteCounts(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing poll counts, got %v", err)
		}
	})

	t.Run("update fields and options", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b")
		mustCreate(t, s, p)

		edit := *p
		edit.Title = "Renamed"
		edit.Active = false
		edit.UpdatedAt = base.Add(time.Hour)
		edit.Options = []models.Option{
			{ID: uuid.New(), PollID: p.ID, Text: "x", Position: 0},
			{ID: uuid.New(), PollID: p.ID, Text: "y", Position: 1},
			{ID: uuid.New(), PollID: p.ID, Text: "z", Position: 2},
		}
		if err := s.UpdatePoll(ctx, &edit, true); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.GetPoll(ctx, p.ID)
		if err != nil {
			t.Fatalf("get poll: %v", err)
		}
		if got.Title != "Renamed" || len(got.Options) != 3 || got.Options[2].Text != "z" {
			t.Fatalf("update not applied: %+v", got)
		}
		if !got.Active {
			t.Fatal("update must not write the active flag")
		}
		if got.CreatorID != "alice" || !got.CreatedAt.Equal(p.CreatedAt) {
			t.Fatalf("immutable fields changed: %+v", got)
		}

		missing := NewPoll("alice", 0, "a", "b")
		if err := s.UpdatePoll(ctx, missing, false); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("set active touches only the flag", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b")
		mustCreate(t, s, p)

		at := base.Add(2 * time.Hour)
		if err := s.SetActive(ctx, p.ID, false, at); err != nil {
			t.Fatalf("set active: %v", err)
		}
		got, err := s.GetPoll(ctx, p.ID)
		if err != nil {
			t.Fatalf("get poll: %v", err)
		}
		if got.Active || !got.UpdatedAt.Equal(at) || got.Title != p.Title || len(got.Options) != 2 {
			t.Fatalf("set active wrong: %+v", got)
		}

		// a stale full-row edit leaves the flag alone
		stale := *p
		stale.Title = "Stale edit"
		stale.UpdatedAt = base.Add(3 * time.Hour)
		if err := s.UpdatePoll(ctx, &stale, false); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _ = s.GetPoll(ctx, p.ID)
		if got.Active || got.Title != "Stale edit" {
			t.Fatalf("stale edit re-activated the poll: %+v", got)
		}

		if err := s.SetActive(ctx, uuid.New(), true, at); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("option replacement refused once voted", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b")
		mustCreate(t, s, p)
		if err := s.InsertVote(ctx, newVote(p, 1, "v1")); err != nil {
			t.Fatalf("vote: %v", err)
		}

		edit := *p
		edit.Title = "Changed"
		edit.Options = []models.Option{
			{ID: uuid.New(), PollID: p.ID, Text: "x", Position: 0},
			{ID: uuid.New(), PollID: p.ID, Text: "y", Position: 1},
		}
		if err := s.UpdatePoll(ctx, &edit, true); !errors.Is(err, store.ErrHasVotes) {
			t.Fatalf("expected ErrHasVotes, got %v", err)
		}
		got, err := s.GetPoll(ctx, p.ID)
		if err != nil {
			t.Fatalf("get poll: %v", err)
		}
		if got.Title != p.Title || got.Options[0].ID != p.Options[0].ID || got.TotalVotes != 1 {
			t.Fatalf("refused update left changes behind: %+v", got)
		}

		// field-only edits still work
		edit.Options = nil
		if err := s.UpdatePoll(ctx, &edit, false); err != nil {
			t.Fatalf("field update: %v", err)
		}
		got, _ = s.GetPoll(ctx, p.ID)
		if got.Title != "Changed" || len(got.Options) != 2 || got.Options[0].ID != p.Options[0].ID {
			t.Fatalf("field update wrong: %+v", got)
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		s := open(t)
		p := NewPoll("alice", 0, "a", "b")
		keep := NewPoll("alice", 0, "a", "b")
		mustCreate(t, s, p)
		mustCreate(t, s, keep)
		if err := s.InsertVote(ctx, newVote(p, 0, "v1")); err != nil {
			t.Fatalf("vote: %v", err)
		}
		if err := s.InsertVote(ctx, newVote(keep, 0, "v1")); err != nil {
			t.Fatalf("vote: %v", err)
		}

		if err := s.DeletePoll(ctx, p.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.GetPoll(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := s.FindVote(ctx, p.ID, "v1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("vote survived delete: %v", err)
		}
		if err := s.DeletePoll(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
		if _, err := s.FindVote(ctx, keep.ID, "v1"); err != nil {
			t.Fatalf("other poll's vote removed: %v", err)
		}
	})
}

func mustCreate(t *testing.T, s store.Store, p *models.Poll) {
	t.Helper()
	if err := s.CreatePoll(context.Background(), p); err != nil {
		t.Fatalf("create poll: %v", err)
	}
}

func ids(list []*models.Poll) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}
