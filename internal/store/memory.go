package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
)

type voteKey struct {
	pollID  uuid.UUID
	voterID string
}

// Memory is a process-local Store. A single mutex guards all maps, which makes
// the (poll, voter) existence check and the vote insert one critical section.
type Memory struct {
	mu sync.RWMutex

	polls   map[uuid.UUID]models.Poll
	votes   map[uuid.UUID]models.Vote
	byVoter map[voteKey]uuid.UUID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		polls:   make(map[uuid.UUID]models.Poll),
		votes:   make(map[uuid.UUID]models.Vote),
		byVoter: make(map[voteKey]uuid.UUID),
	}
}

func (m *Memory) CreatePoll(_ context.Context, p *models.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := clonePoll(*p)
	stored.TotalVotes = 0
	m.polls[p.ID] = stored
	return nil
}

func (m *Memory) GetPoll(_ context.Context, id uuid.UUID) (*models.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clonePoll(p)
	out.TotalVotes = m.totals()[id]
	return &out, nil
}

func (m *Memory) ListPolls(_ context.Context, f ListFilter) ([]*models.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	creator := strings.TrimSpace(f.CreatorID)
	totals := m.totals()
	items := make([]*models.Poll, 0, len(m.polls))
	for _, p := range m.polls {
		if creator != "" && p.CreatorID != creator {
			continue
		}
		out := clonePoll(p)
		out.TotalVotes = totals[p.ID]
		items = append(items, &out)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (m *Memory) UpdatePoll(_ context.Context, p *models.Poll, replaceOptions bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.polls[p.ID]
	if !ok {
		return ErrNotFound
	}
	updated := clonePoll(*p)
	updated.CreatorID = current.CreatorID
	updated.CreatedAt = current.CreatedAt
	updated.Active = current.Active
	if replaceOptions {
		if m.totals()[p.ID] > 0 {
			return ErrHasVotes
		}
	} else {
		updated.Options = clonePoll(current).Options
	}
	m.polls[p.ID] = updated
	return nil
}

func (m *Memory) SetActive(_ context.Context, id uuid.UUID, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = active
	p.UpdatedAt = at.UTC()
	m.polls[id] = p
	return nil
}

func (m *Memory) DeletePoll(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.polls[id]; !ok {
		return ErrNotFound
	}
	for voteID, v := range m.votes {
		if v.PollID == id {
			delete(m.votes, voteID)
			delete(m.byVoter, voteKey{pollID: id, voterID: v.VoterID})
		}
	}
	delete(m.polls, id)
	return nil
}

func (m *Memory) InsertVote(_ context.Context, v *models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[v.PollID]
	if !ok {
		return ErrNotFound
	}
	if !p.HasOption(v.OptionID) {
		return ErrOptionMismatch
	}
	key := voteKey{pollID: v.PollID, voterID: v.VoterID}
	if _, exists := m.byVoter[key]; exists {
		return ErrDuplicateVote
	}
	m.votes[v.ID] = *v
	m.byVoter[key] = v.ID
	return nil
}

func (m *Memory) VoteCounts(_ context.Context, pollID uuid.UUID) (map[uuid.UUID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.polls[pollID]; !ok {
		return nil, ErrNotFound
	}
	out := make(map[uuid.UUID]int)
	for _, v := range m.votes {
		if v.PollID == pollID {
			out[v.OptionID]++
		}
	}
	return out, nil
}

func (m *Memory) FindVote(_ context.Context, pollID uuid.UUID, voterID string) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byVoter[voteKey{pollID: pollID, voterID: voterID}]
	if !ok {
		return nil, ErrNotFound
	}
	v := m.votes[id]
	return &v, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// totals counts votes per poll from the vote set. Callers hold m.mu.
func (m *Memory) totals() map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(m.polls))
	for _, v := range m.votes {
		out[v.PollID]++
	}
	return out
}

func clonePoll(p models.Poll) models.Poll {
	out := p
	out.Options = append([]models.Option(nil), p.Options...)
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

var _ Store = (*Memory)(nil)
