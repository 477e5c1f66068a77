package polls

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/civicpoll/backend/internal/models"
)

// StatusFilter selects polls by lifecycle state.
type StatusFilter string

const (
	StatusAll     StatusFilter = "all"
	StatusActive  StatusFilter = "active"
	StatusExpired StatusFilter = "expired"
)

// SortOrder is the ordering of a query result.
type SortOrder string

const (
	SortNewest    SortOrder = "newest"
	SortOldest    SortOrder = "oldest"
	SortMostVotes SortOrder = "most_votes"
	SortTrending  SortOrder = "trending"
)

// CategoryAll disables the category filter. An empty category does the same.
const CategoryAll = "all"

// TrendingScale is the age at which a poll's trending weight halves.
const TrendingScale = 24 * time.Hour

// Query describes a filtered, ordered view over a poll collection.
type Query struct {
	Search   string
	Status   StatusFilter
	Category string
	Sort     SortOrder
}

// ParseStatusFilter maps a request value to a StatusFilter. Empty means all.
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusActive:
		return StatusActive, nil
	case StatusExpired:
		return StatusExpired, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// ParseSortOrder maps a request value to a SortOrder. Empty means newest;
// "popular" is accepted as an alias of most_votes.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(SortNewest):
		return SortNewest, nil
	case string(SortOldest):
		return SortOldest, nil
	case string(SortMostVotes), "popular", "mostvotes":
		return SortMostVotes, nil
	case string(SortTrending):
		return SortTrending, nil
	}
	return "", fmt.Errorf("unknown sort %q", s)
}

// Apply filters and orders polls. Stages run in a fixed order: search, status,
// category, sort. The input slice is never modified; the result is a new
// slice holding the same poll pointers.
func Apply(polls []*models.Poll, q Query, now time.Time) []*models.Poll {
	out := make([]*models.Poll, 0, len(polls))
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(q.Search))
	category := strings.TrimSpace(q.Category)
	allCategories := category == "" || strings.EqualFold(category, CategoryAll)

	for _, p := range polls {
		if needle != "" &&
			!strings.Contains(fold.String(p.Title), needle) &&
			!strings.Contains(fold.String(p.Description), needle) {
			continue
		}
		if q.Status != "" && q.Status != StatusAll && string(Classify(p, now)) != string(q.Status) {
			continue
		}
		if !allCategories && p.Category != category {
			continue
		}
		out = append(out, p)
	}

	sortPolls(out, q.Sort, now)
	return out
}

func sortPolls(polls []*models.Poll, order SortOrder, now time.Time) {
	byID := func(a, b *models.Poll) bool {
		return a.ID.String() < b.ID.String()
	}

	var scores map[*models.Poll]float64
	if order == SortTrending {
		scores = make(map[*models.Poll]float64, len(polls))
		for _, p := range polls {
			scores[p] = TrendingScore(p, now)
		}
	}

	sort.SliceStable(polls, func(i, j int) bool {
		a, b := polls[i], polls[j]
		switch order {
		case SortOldest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return byID(a, b)
		case SortMostVotes:
			if a.TotalVotes != b.TotalVotes {
				return a.TotalVotes > b.TotalVotes
			}
		case SortTrending:
			if scores[a] != scores[b] {
				return scores[a] > scores[b]
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return byID(a, b)
	})
}

// TrendingScore weighs total votes by recency: votes / (1 + age/TrendingScale).
// The weight never increases with age; polls created after now count as age 0.
// Equal scores fall back to newest first, then id.
func TrendingScore(p *models.Poll, now time.Time) float64 {
	age := now.Sub(p.CreatedAt)
	if age < 0 {
		age = 0
	}
	weight := 1 / (1 + float64(age)/float64(TrendingScale))
	return float64(p.TotalVotes) * weight
}
