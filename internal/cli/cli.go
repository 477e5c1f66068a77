// Package cli implements the pollctl admin commands.
package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/config"
	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/store/backend"
)

// openService connects to the configured store. Tests replace it.
var openService = func(ctx context.Context) (*polls.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := backend.Open(ctx, cfg, zap.NewNop(), false)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return polls.NewService(st, nil), func() { _ = st.Close() }, nil
}

func statusLabel(s models.Status) string {
	switch s {
	case models.StatusActive:
		return color.New(color.FgHiGreen).Sprint("active")
	case models.StatusExpired:
		return color.New(color.FgHiBlack).Sprint("expired")
	default:
		return string(s)
	}
}

func short(id fmt.Stringer) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
