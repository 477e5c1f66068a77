package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/polls"
)

const (
	// DefaultTopLimit is the number of top polls returned when no limit is given.
	DefaultTopLimit = 10
	// MaxTopLimit caps the top polls limit.
	MaxTopLimit = 50
	// Uncategorized names polls without a category in the distribution.
	Uncategorized = "Uncategorized"
)

// CategoryCount is the number of polls in one category.
type CategoryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary is the platform-wide statistics view.
type Summary struct {
	TotalPolls           int             `json:"total_polls"`
	TotalVotes           int             `json:"total_votes"`
	ActivePolls          int             `json:"active_polls"`
	ExpiredPolls         int             `json:"expired_polls"`
	PollsWithVotes       int             `json:"polls_with_votes"`
	CompletionRate       float64         `json:"completion_rate"` // percent of polls with at least one vote
	AvgVotesPerPoll      float64         `json:"avg_votes_per_poll"`
	CategoryDistribution []CategoryCount `json:"category_distribution"`
}

// TopPoll is one entry of the most-voted list.
type TopPoll struct {
	ID        uuid.UUID     `json:"id"`
	Title     string        `json:"title"`
	Category  string        `json:"category,omitempty"`
	Status    models.Status `json:"status"`
	VoteCount int           `json:"vote_count"`
	VoteShare int           `json:"vote_share"` // percent of all votes on the platform
	CreatedAt time.Time     `json:"created_at"`
}

// Summarize computes statistics over list. Lifecycle state is derived at now.
func Summarize(list []*models.Poll, now time.Time) Summary {
	s := Summary{TotalPolls: len(list), CategoryDistribution: []CategoryCount{}}
	byCategory := make(map[string]int)
	for _, p := range list {
		s.TotalVotes += p.TotalVotes
		if p.TotalVotes > 0 {
			s.PollsWithVotes++
		}
		if polls.Classify(p, now) == models.StatusActive {
			s.ActivePolls++
		} else {
			s.ExpiredPolls++
		}
		name := strings.TrimSpace(p.Category)
		if name == "" {
			name = Uncategorized
		}
		byCategory[name]++
	}
	if s.TotalPolls > 0 {
		s.CompletionRate = round2(float64(s.PollsWithVotes) * 100 / float64(s.TotalPolls))
		s.AvgVotesPerPoll = round2(float64(s.TotalVotes) / float64(s.TotalPolls))
	}
	for name, n := range byCategory {
		s.CategoryDistribution = append(s.CategoryDistribution, CategoryCount{Name: name, Count: n})
	}
	sort.Slice(s.CategoryDistribution, func(i, j int) bool {
		a, b := s.CategoryDistribution[i], s.CategoryDistribution[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Name < b.Name
	})
	return s
}

// Top returns up to limit polls with at least one vote, most votes first.
// limit <= 0 means DefaultTopLimit; it is capped at MaxTopLimit.
func Top(list []*models.Poll, limit int, now time.Time) []TopPoll {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	total := 0
	voted := make([]*models.Poll, 0, len(list))
	for _, p := range list {
		total += p.TotalVotes
		if p.TotalVotes > 0 {
			voted = append(voted, p)
		}
	}
	ranked := polls.Apply(voted, polls.Query{Sort: polls.SortMostVotes}, now)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]TopPoll, 0, len(ranked))
	for _, p := range ranked {
		out = append(out, TopPoll{
			ID:        p.ID,
			Title:     p.Title,
			Category:  p.Category,
			Status:    polls.Classify(p, now),
			VoteCount: p.TotalVotes,
			VoteShare: polls.Percentage(p.TotalVotes, total),
			CreatedAt: p.CreatedAt,
		})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
