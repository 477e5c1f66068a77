package analytics

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/pkg/response"
)

// Handler serves GET /stats and GET /stats/top.
type Handler struct {
	svc    *polls.Service
	logger *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(svc *polls.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Summary handles GET /stats.
func (h *Handler) Summary(c *gin.Context) {
	list, err := h.svc.ListPolls(c.Request.Context(), store.ListFilter{})
	if err != nil {
		h.logger.Error("stats: list polls", zap.Error(err))
		response.Internal(c, "failed to load statistics")
		return
	}
	response.OK(c, Summarize(list, h.svc.Now()))
}

// Top handles GET /stats/top?limit=.
func (h *Handler) Top(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := h.svc.ListPolls(c.Request.Context(), store.ListFilter{})
	if err != nil {
		h.logger.Error("stats: list polls", zap.Error(err))
		response.Internal(c, "failed to load top polls")
		return
	}
	response.OK(c, Top(list, limit, h.svc.Now()))
}
