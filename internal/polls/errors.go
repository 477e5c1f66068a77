package polls

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. Every typed error below matches exactly one of them with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrIneligible = errors.New("ineligible")
)

// Reason explains why a vote or an edit was refused.
type Reason string

const (
	ReasonAlreadyVoted  Reason = "already_voted"
	ReasonPollExpired   Reason = "poll_expired"
	ReasonPollNotFound  Reason = "poll_not_found"
	ReasonInvalidOption Reason = "invalid_option"
	ReasonPollHasVotes  Reason = "poll_has_votes"
)

// Violation is one failed input rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violated rule, not only the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error() + ": " + strings.Join(e.Messages(), "; ")
}

// Messages returns the violation messages in rule order.
func (e *ValidationError) Messages() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Message)
	}
	return out
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing poll or option.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ForbiddenError reports an actor without rights on the poll.
type ForbiddenError struct {
	Action string
}

func (e *ForbiddenError) Error() string {
	return "only the poll creator can " + e.Action
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// ConflictError reports a write that collides with existing state.
type ConflictError struct {
	Reason Reason
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ReasonAlreadyVoted:
		return "you have already voted on this poll"
	case ReasonPollHasVotes:
		return "options cannot be replaced once the poll has votes"
	}
	return ErrConflict.Error() + ": " + string(e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IneligibleError reports a vote the poll cannot accept.
type IneligibleError struct {
	Reason Reason
}

func (e *IneligibleError) Error() string {
	switch e.Reason {
	case ReasonPollExpired:
		return "poll is not accepting votes"
	case ReasonInvalidOption:
		return "option does not belong to this poll"
	}
	return ErrIneligible.Error() + ": " + string(e.Reason)
}

func (e *IneligibleError) Is(target error) bool { return target == ErrIneligible }
