package polls

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	MinTitleLen       = 3
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
	MaxCategoryLen    = 50
	MinOptions        = 2
	MaxOptions        = 10
	MaxOptionLen      = 100
)

// Draft is the user-supplied content of a poll.
type Draft struct {
	Title       string
	Description string
	Category    string
	Options     []string
	ExpiresAt   *time.Time
}

func (d Draft) normalized() Draft {
	out := Draft{
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		Category:    strings.TrimSpace(d.Category),
		ExpiresAt:   d.ExpiresAt,
	}
	if d.Options != nil {
		out.Options = make([]string, len(d.Options))
		for i, o := range d.Options {
			out.Options[i] = strings.TrimSpace(o)
		}
	}
	return out
}

// validateDraft collects every violated rule of a normalized draft.
// Options are only checked when withOptions is set.
func validateDraft(d Draft, now time.Time, withOptions bool) []Violation {
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if n := utf8.RuneCountInString(d.Title); n < MinTitleLen || n > MaxTitleLen {
		add("title", "title must be between %d and %d characters", MinTitleLen, MaxTitleLen)
	}
	if utf8.RuneCountInString(d.Description) > MaxDescriptionLen {
		add("description", "description must be at most %d characters", MaxDescriptionLen)
	}
	if utf8.RuneCountInString(d.Category) > MaxCategoryLen {
		add("category", "category must be at most %d characters", MaxCategoryLen)
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		add("expires_at", "expiration must be in the future")
	}
	if !withOptions {
		return out
	}

	if n := len(d.Options); n < MinOptions || n > MaxOptions {
		add("options", "a poll needs between %d and %d options", MinOptions, MaxOptions)
	}
	fold := cases.Fold()
	seen := make(map[string]bool, len(d.Options))
	for i, o := range d.Options {
		if n := utf8.RuneCountInString(o); n < 1 || n > MaxOptionLen {
			add(fmt.Sprintf("options[%d]", i), "option %d must be between 1 and %d characters", i+1, MaxOptionLen)
			continue
		}
		key := fold.String(o)
		if seen[key] {
			add(fmt.Sprintf("options[%d]", i), "option %d duplicates an earlier option", i+1)
		}
		seen[key] = true
	}
	return out
}
