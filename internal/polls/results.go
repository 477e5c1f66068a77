package polls

import (
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/models"
)

// Project turns a tally into the results view shown to voters. userVote is the
// option the viewer picked, if any.
func Project(p *models.Poll, t models.Tally, userVote *uuid.UUID, now time.Time) models.Results {
	counts := make(map[uuid.UUID]int, len(t.PerOption))
	for _, oc := range t.PerOption {
		counts[oc.OptionID] = oc.Count
	}
	r := models.Results{
		PollID:     p.ID,
		Title:      p.Title,
		Status:     Classify(p, now),
		TotalVotes: t.TotalVotes,
		Options:    make([]models.OptionResult, 0, len(p.Options)),
		UserVote:   userVote,
	}
	for _, o := range p.Options {
		n := counts[o.ID]
		r.Options = append(r.Options, models.OptionResult{
			OptionID:   o.ID,
			Text:       o.Text,
			Votes:      n,
			Percentage: Percentage(n, t.TotalVotes),
		})
	}
	return r
}
