package models

import "github.com/google/uuid"

// OptionCount is the number of votes referencing one option.
type OptionCount struct {
	OptionID uuid.UUID `json:"option_id"`
	Count    int       `json:"count"`
}

// Tally holds the derived vote counts of a poll.
type Tally struct {
	PollID     uuid.UUID     `json:"poll_id"`
	TotalVotes int           `json:"total_votes"`
	PerOption  []OptionCount `json:"per_option"`
}

// OptionResult is one row of a results view.
type OptionResult struct {
	OptionID   uuid.UUID `json:"id"`
	Text       string    `json:"text"`
	Votes      int       `json:"vote_count"`
	Percentage int       `json:"percentage"`
}

// Results is the presentation-ready view of a poll tally.
type Results struct {
	PollID     uuid.UUID      `json:"poll_id"`
	Title      string         `json:"title"`
	Status     Status         `json:"status"`
	TotalVotes int            `json:"total_votes"`
	Options    []OptionResult `json:"options"`
	UserVote   *uuid.UUID     `json:"user_vote,omitempty"`
}
