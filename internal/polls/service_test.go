package polls

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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *clock) {
	t.Helper()
	clk := &clock{now: testNow}
	return NewService(store.NewMemory(), nil, WithClock(clk.Now)), clk
}

func mustCreatePoll(t *testing.T, svc *Service, creator string, d Draft) *models.Poll {
	t.Helper()
	p, err := svc.CreatePoll(context.Background(), creator, d)
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	return p
}

func lunchDraft() Draft {
	return Draft{Title: "  Lunch?  ", Description: "Friday", Category: "food", Options: []string{"Pizza", " Tacos "}}
}

func TestCreatePoll(t *testing.T) {
	svc, _ := newTestService(t)
	p := mustCreatePoll(t, svc, "alice", lunchDraft())

	if p.Title != "Lunch?" || p.Options[1].Text != "Tacos" {
		t.Fatalf("input not trimmed: %+v", p)
	}
	if !p.Active || !p.CreatedAt.Equal(testNow) || p.CreatorID != "alice" {
		t.Fatalf("unexpected poll: %+v", p)
	}
	got, err := svc.GetPoll(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get poll: %v", err)
	}
	if len(got.Options) != 2 || got.Options[0].Position != 0 || got.Options[1].Position != 1 {
		t.Fatalf("options not stored in order: %+v", got.Options)
	}
}

func TestCreatePollValidationWritesNothing(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreatePoll(context.Background(), "", Draft{Title: "ab", Options: []string{"one"}})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := violationFields(verr.Violations)
	if !fields["title"] || !fields["options"] || !fields["creator"] {
		t.Fatalf("violations = %+v", verr.Violations)
	}
	list, err := svc.ListPolls(context.Background(), store.ListFilter{})
	if err != nil || len(list) != 0 {
		t.Fatalf("list = %d polls, err %v; want none", len(list), err)
	}
}

func TestGetPollNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetPoll(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordVote(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", lunchDraft())

	receipt, err := svc.RecordVote(ctx, p.ID, p.Options[1].ID, "bob")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if receipt.PollID != p.ID || receipt.OptionID != p.Options[1].ID || !receipt.VotedAt.Equal(testNow) {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	_, err = svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob")
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonAlreadyVoted {
		t.Fatalf("expected AlreadyVoted, got %v", err)
	}

	_, err = svc.RecordVote(ctx, p.ID, uuid.New(), "carol")
	var ineligible *IneligibleError
	if !errors.As(err, &ineligible) || ineligible.Reason != ReasonInvalidOption {
		t.Fatalf("expected InvalidOption, got %v", err)
	}

	if _, err := svc.RecordVote(ctx, uuid.New(), p.Options[0].ID, "carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := svc.RecordVote(ctx, p.ID, p.Options[0].ID, "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty voter, got %v", err)
	}
}

func TestRecordVoteExpired(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	d := lunchDraft()
	expires := testNow.Add(time.Hour)
	d.ExpiresAt = &expires
	p := mustCreatePoll(t, svc, "alice", d)

	if _, err := svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob"); err != nil {
		t.Fatalf("vote before expiry: %v", err)
	}
	clk.Advance(time.Hour)

	// eligibility is checked before uniqueness, so bob also sees PollExpired
	for _, voter := range []string{"carol", "bob"} {
		_, err := svc.RecordVote(ctx, p.ID, p.Options[0].ID, voter)
		var ineligible *IneligibleError
		if !errors.As(err, &ineligible) || ineligible.Reason != ReasonPollExpired {
			t.Fatalf("%s: expected PollExpired, got %v", voter, err)
		}
	}
}

func TestRecordVoteConcurrentSameVoter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", lunchDraft())

	const attempts = 50
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordVote(ctx, p.ID, p.Options[i%2].ID, "mallory")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != attempts-1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
	_, tally, err := svc.Tally(ctx, p.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally.TotalVotes != 1 {
		t.Fatalf("total votes = %d, want 1", tally.TotalVotes)
	}
}

func TestTallyConsistentUnderConcurrentVoters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", Draft{Title: "Colors", Options: []string{"red", "green", "blue"}})

	const voters = 60
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.RecordVote(ctx, p.ID, p.Options[i%3].ID, fmt.Sprintf("voter-%d", i)); err != nil {
				t.Errorf("vote %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	_, tally, err := svc.Tally(ctx, p.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	sum := 0
	for _, oc := range tally.PerOption {
		if oc.Count != voters/3 {
			t.Fatalf("option count = %d, want %d", oc.Count, voters/3)
		}
		sum += oc.Count
	}
	if sum != tally.TotalVotes || tally.TotalVotes != voters {
		t.Fatalf("sum=%d total=%d", sum, tally.TotalVotes)
	}
}

func TestResults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", Draft{Title: "Colors", Options: []string{"red", "green", "blue"}})
	for i, voter := range []string{"a", "b", "c"} {
		if _, err := svc.RecordVote(ctx, p.ID, p.Options[i%2].ID, voter); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}

	r, err := svc.Results(ctx, p.ID, "b")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if r.TotalVotes != 3 || r.Status != models.StatusActive || r.Title != "Colors" {
		t.Fatalf("unexpected results: %+v", r)
	}
	wantPct := []int{67, 33, 0}
	for i, o := range r.Options {
		if o.OptionID != p.Options[i].ID || o.Percentage != wantPct[i] {
			t.Fatalf("option %d = %+v, want %d%%", i, o, wantPct[i])
		}
	}
	if r.UserVote == nil || *r.UserVote != p.Options[1].ID {
		t.Fatalf("user_vote = %v, want %s", r.UserVote, p.Options[1].ID)
	}

	r, err = svc.Results(ctx, p.ID, "stranger")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if r.UserVote != nil {
		t.Fatalf("user_vote = %v for a non-voter", r.UserVote)
	}
}

func TestResultsEmptyPoll(t *testing.T) {
	svc, _ := newTestService(t)
	p := mustCreatePoll(t, svc, "alice", lunchDraft())
	r, err := svc.Results(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	for _, o := range r.Options {
		if o.Votes != 0 || o.Percentage != 0 {
			t.Fatalf("empty poll option = %+v", o)
		}
	}
}

func TestDeletePoll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", lunchDraft())
	if _, err := svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob"); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if err := svc.DeletePoll(ctx, p.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.DeletePoll(ctx, p.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for anonymous, got %v", err)
	}
	if err := svc.DeletePoll(ctx, p.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetPoll(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := svc.Results(ctx, p.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for results, got %v", err)
	}
	if err := svc.DeletePoll(ctx, p.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestUpdatePoll(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", lunchDraft())
	clk.Advance(time.Minute)

	title := "Dinner?"
	updated, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{Title: &title, Options: []string{"Sushi", "Ramen", "Curry"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Dinner?" || len(updated.Options) != 3 || updated.Description != "Friday" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	if !updated.UpdatedAt.Equal(testNow.Add(time.Minute)) || !updated.CreatedAt.Equal(testNow) {
		t.Fatalf("timestamps: created %v updated %v", updated.CreatedAt, updated.UpdatedAt)
	}

	if _, err := svc.UpdatePoll(ctx, p.ID, "bob", Update{Title: &title}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	short := "x"
	_, err = svc.UpdatePoll(ctx, p.ID, "alice", Update{Title: &short, Options: []string{"only"}})
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Violations) != 2 {
		t.Fatalf("expected two violations, got %v", err)
	}
}

func TestUpdatePollOptionsRefusedAfterVotes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", lunchDraft())
	if _, err := svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob"); err != nil {
		t.Fatalf("vote: %v", err)
	}

	_, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{Options: []string{"Sushi", "Ramen"}})
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ReasonPollHasVotes {
		t.Fatalf("expected PollHasVotes, got %v", err)
	}

	desc := "moved to Saturday"
	updated, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{Description: &desc})
	if err != nil {
		t.Fatalf("field update: %v", err)
	}
	if updated.Description != desc || updated.Options[0].ID != p.Options[0].ID || updated.TotalVotes != 1 {
		t.Fatalf("unexpected poll: %+v", updated)
	}
}

func TestUpdatePollExpiry(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	d := lunchDraft()
	soon := testNow.Add(time.Hour)
	d.ExpiresAt = &soon
	p := mustCreatePoll(t, svc, "alice", d)
	clk.Advance(2 * time.Hour)

	// an expired poll can still be renamed without touching the expiry
	title := "Lunch (closed)"
	if _, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{Title: &title}); err != nil {
		t.Fatalf("rename expired poll: %v", err)
	}
	past := testNow
	if _, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{ExpiresAt: &past}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for past expiry, got %v", err)
	}
	updated, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{ClearExpiry: true})
	if err != nil {
		t.Fatalf("clear expiry: %v", err)
	}
	if updated.ExpiresAt != nil || Classify(updated, svc.Now()) != models.StatusActive {
		t.Fatalf("poll should be active again: %+v", updated)
	}
}

func TestSetActive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := mustCreatePoll(t, svc, "alice", lunchDraft())

	if _, err := svc.SetActive(ctx, p.ID, "bob", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	off, err := svc.SetActive(ctx, p.ID, "alice", false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if Classify(off, svc.Now()) != models.StatusExpired {
		t.Fatal("deactivated poll should classify as expired")
	}
	_, err = svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob")
	var ineligible *IneligibleError
	if !errors.As(err, &ineligible) || ineligible.Reason != ReasonPollExpired {
		t.Fatalf("expected PollExpired, got %v", err)
	}
	if _, err := svc.SetActive(ctx, p.ID, "alice", true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob"); err != nil {
		t.Fatalf("vote after reactivation: %v", err)
	}
}

// deactivateMidEdit runs a creator's deactivation after the edit has read the
// poll and before it is written back.
type deactivateMidEdit struct {
	store.Store
	once sync.Once
	at   time.Time
}

func (s *deactivateMidEdit) UpdatePoll(ctx context.Context, p *models.Poll, replaceOptions bool) error {
	var err error
	s.once.Do(func() { err = s.Store.SetActive(ctx, p.ID, false, s.at) })
	if err != nil {
		return err
	}
	return s.Store.UpdatePoll(ctx, p, replaceOptions)
}

func TestUpdatePollKeepsConcurrentDeactivation(t *testing.T) {
	ctx := context.Background()
	st := &deactivateMidEdit{Store: store.NewMemory(), at: testNow}
	svc := NewService(st, nil, WithClock(func() time.Time { return testNow }))
	p := mustCreatePoll(t, svc, "alice", lunchDraft())

	title := "Lunch on Friday"
	updated, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.Active {
		t.Fatalf("edit must keep the deactivation: %+v", updated)
	}
	_, err = svc.RecordVote(ctx, p.ID, p.Options[0].ID, "bob")
	var ineligible *IneligibleError
	if !errors.As(err, &ineligible) || ineligible.Reason != ReasonPollExpired {
		t.Fatalf("expected PollExpired, got %v", err)
	}
}

func TestUpdatePollClearExpiryIgnoresStaleTimestamp(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	d := lunchDraft()
	soon := testNow.Add(time.Hour)
	d.ExpiresAt = &soon
	p := mustCreatePoll(t, svc, "alice", d)
	clk.Advance(2 * time.Hour)

	updated, err := svc.UpdatePoll(ctx, p.ID, "alice", Update{ExpiresAt: &soon, ClearExpiry: true})
	if err != nil {
		t.Fatalf("clear expiry with stale timestamp: %v", err)
	}
	if updated.ExpiresAt != nil {
		t.Fatalf("expiry should be cleared: %v", updated.ExpiresAt)
	}
}

func TestSearchByCreator(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	mustCreatePoll(t, svc, "alice", Draft{Title: "Pizza toppings", Options: []string{"a", "b"}})
	clk.Advance(time.Minute)
	mustCreatePoll(t, svc, "bob", Draft{Title: "Pizza or pasta", Options: []string{"a", "b"}})
	clk.Advance(time.Minute)
	mustCreatePoll(t, svc, "alice", Draft{Title: "Tabs or spaces", Options: []string{"a", "b"}})

	got, err := svc.Search(ctx, store.ListFilter{CreatorID: "alice"}, Query{Search: "pizza"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	equalTitles(t, got, "Pizza toppings")

	got, err = svc.Search(ctx, store.ListFilter{}, Query{Search: "PIZZA", Sort: SortOldest})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	equalTitles(t, got, "Pizza toppings", "Pizza or pasta")
}
