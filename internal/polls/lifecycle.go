package polls

import (
	"time"

	"github.com/civicpoll/backend/internal/models"
)

// Classify derives the lifecycle state of p at now. A poll is active while its
// active flag is set and now is strictly before its expiration, if any.
func Classify(p *models.Poll, now time.Time) models.Status {
	if !p.Active {
		return models.StatusExpired
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return models.StatusExpired
	}
	return models.StatusActive
}
