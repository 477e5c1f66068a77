package polls

import (
	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
)

// TallyFromCounts builds the tally of p from per-option vote counts. Counts for
// ids outside the poll's option set are ignored, so the per-option counts
// always sum to TotalVotes.
func TallyFromCounts(p *models.Poll, counts map[uuid.UUID]int) models.Tally {
	t := models.Tally{
		PollID:    p.ID,
		PerOption: make([]models.OptionCount, 0, len(p.Options)),
	}
	for _, o := range p.Options {
		n := counts[o.ID]
		t.PerOption = append(t.PerOption, models.OptionCount{OptionID: o.ID, Count: n})
		t.TotalVotes += n
	}
	return t
}

// TallyVotes builds the tally of p from its raw vote set.
func TallyVotes(p *models.Poll, votes []models.Vote) models.Tally {
	counts := make(map[uuid.UUID]int, len(p.Options))
	for _, v := range votes {
		if v.PollID == p.ID {
			counts[v.OptionID]++
		}
	}
	return TallyFromCounts(p, counts)
}

// Percentage returns count/total as a whole percentage rounded half up, or 0
// when total is 0. Options are rounded independently, so the percentages of a
// poll may sum to 99 or 101.
func Percentage(count, total int) int {
	if total <= 0 || count <= 0 {
		return 0
	}
	return (count*200 + total) / (2 * total)
}
