package polls

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/internal/middleware"
	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/pkg/response"
)

// CreateRequest is the body for POST /polls. Rules are checked by the service
// so that every violation is reported at once.
type CreateRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Options     []string   `json:"options"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// UpdateRequest is the body for PATCH /polls/:id. Absent fields are unchanged.
type UpdateRequest struct {
	Title          *string    `json:"title"`
	Description    *string    `json:"description"`
	Category       *string    `json:"category"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ClearExpiresAt bool       `json:"clear_expires_at"`
	Options        []string   `json:"options"`
}

// VoteRequest is the body for POST /polls/:id/votes.
type VoteRequest struct {
	OptionID string `json:"option_id" binding:"required"`
}

// VoteResponse is returned after a vote is recorded.
type VoteResponse struct {
	Vote    *models.VoteReceipt `json:"vote"`
	Results *models.Results     `json:"results"`
}

// Notifier receives poll changes for live viewers.
type Notifier interface {
	PublishResults(pollID uuid.UUID, results interface{})
	PublishDeleted(pollID uuid.UUID)
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	svc            *Service
	notify         Notifier
	onDelete       func(ctx context.Context, pollID uuid.UUID)
	allowAnonymous bool
	logger         *zap.Logger
}

// NewHandler creates a polls handler. notify may be nil.
func NewHandler(svc *Service, notify Notifier, allowAnonymous bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, notify: notify, allowAnonymous: allowAnonymous, logger: logger}
}

// SetDeleteHook registers fn to run after a poll is deleted.
func (h *Handler) SetDeleteHook(fn func(ctx context.Context, pollID uuid.UUID)) {
	h.onDelete = fn
}

// Create handles POST /polls.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.CreatePoll(c.Request.Context(), middleware.UserID(c), Draft{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Options:     req.Options,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, h.view(p))
}

// List handles GET /polls?search=&status=&category=&sort=.
func (h *Handler) List(c *gin.Context) {
	h.list(c, store.ListFilter{})
}

// ListMine handles GET /me/polls with the same query parameters as List.
func (h *Handler) ListMine(c *gin.Context) {
	h.list(c, store.ListFilter{CreatorID: middleware.UserID(c)})
}

func (h *Handler) list(c *gin.Context, f store.ListFilter) {
	q, err := parseQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	list, err := h.svc.Search(c.Request.Context(), f, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]PollView, 0, len(list))
	for _, p := range list {
		out = append(out, h.view(p))
	}
	response.OK(c, out)
}

// Get handles GET /polls/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	p, err := h.svc.GetPoll(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, h.view(p))
}

// Update handles PATCH /polls/:id (creator only).
func (h *Handler) Update(c *gin.Context) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.UpdatePoll(c.Request.Context(), id, middleware.UserID(c), Update{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiresAt,
		Options:     req.Options,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.broadcast(c, id)
	response.OK(c, h.view(p))
}

// Activate handles POST /polls/:id/activate (creator only).
func (h *Handler) Activate(c *gin.Context) { h.setActive(c, true) }

// Deactivate handles POST /polls/:id/deactivate (creator only).
func (h *Handler) Deactivate(c *gin.Context) { h.setActive(c, false) }

func (h *Handler) setActive(c *gin.Context, active bool) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	p, err := h.svc.SetActive(c.Request.Context(), id, middleware.UserID(c), active)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.broadcast(c, id)
	response.OK(c, h.view(p))
}

// Delete handles DELETE /polls/:id (creator only).
func (h *Handler) Delete(c *gin.Context) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	if err := h.svc.DeletePoll(c.Request.Context(), id, middleware.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	if h.notify != nil {
		h.notify.PublishDeleted(id)
	}
	if h.onDelete != nil {
		h.onDelete(c.Request.Context(), id)
	}
	response.NoContent(c)
}

// Vote handles POST /polls/:id/votes. Anonymous callers vote under their
// client IP when that is enabled.
func (h *Handler) Vote(c *gin.Context) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	voter := middleware.VoterID(c, h.allowAnonymous)
	if voter == "" {
		response.Unauthorized(c, "sign in to vote")
		return
	}
	// A malformed option id can never belong to the poll; uuid.Nil lets the
	// gate report it after the poll lookup.
	optionID, err := uuid.Parse(req.OptionID)
	if err != nil {
		optionID = uuid.Nil
	}

	receipt, err := h.svc.RecordVote(c.Request.Context(), id, optionID, voter)
	if err != nil {
		h.fail(c, err)
		return
	}
	shared := h.broadcast(c, id)
	var results *models.Results
	if shared != nil {
		own := *shared
		own.UserVote = &receipt.OptionID
		results = &own
	}
	response.Created(c, VoteResponse{Vote: receipt, Results: results})
}

// Results handles GET /polls/:id/results. user_vote is set when the caller has voted.
func (h *Handler) Results(c *gin.Context) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	r, err := h.svc.Results(c.Request.Context(), id, middleware.VoterID(c, h.allowAnonymous))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, r)
}

// Tally handles GET /polls/:id/tally.
func (h *Handler) Tally(c *gin.Context) {
	id, ok := pollID(c)
	if !ok {
		return
	}
	_, t, err := h.svc.Tally(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, t)
}

// PollView is a poll as returned by the API, with its derived status.
type PollView struct {
	*models.Poll
	Status models.Status `json:"status"`
}

func (h *Handler) view(p *models.Poll) PollView {
	return PollView{Poll: p, Status: Classify(p, h.svc.Now())}
}

// broadcast pushes anonymous results to live viewers and returns them.
func (h *Handler) broadcast(c *gin.Context, id uuid.UUID) *models.Results {
	r, err := h.svc.Results(c.Request.Context(), id, "")
	if err != nil {
		h.logger.Warn("results after write", zap.String("poll_id", id.String()), zap.Error(err))
		return nil
	}
	if h.notify != nil {
		h.notify.PublishResults(id, r)
	}
	return r
}

// fail maps engine errors to HTTP statuses. Unexpected errors are logged, never echoed.
func (h *Handler) fail(c *gin.Context, err error) {
	RespondError(c, h.logger, err)
}

// RespondError writes the envelope for a service error: validation 422 with
// details, not found 404, forbidden 403, conflict 409 and ineligible 422 with
// a reason code. Anything else is logged and answered with 500.
func RespondError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		validation *ValidationError
		conflict   *ConflictError
		ineligible *IneligibleError
	)
	switch {
	case errors.As(err, &validation):
		response.ValidationFailed(c, "validation failed", validation.Messages())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.As(err, &conflict):
		response.ConflictCode(c, conflict.Error(), string(conflict.Reason))
	case errors.As(err, &ineligible):
		response.Unprocessable(c, ineligible.Error(), string(ineligible.Reason))
	default:
		logger.Error("poll request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		response.Internal(c, "internal error")
	}
}

func pollID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "poll not found")
		return uuid.Nil, false
	}
	return id, true
}

func parseQuery(c *gin.Context) (Query, error) {
	q := Query{
		Search:   c.Query("search"),
		Category: c.Query("category"),
	}
	var violations []Violation
	status, err := ParseStatusFilter(c.Query("status"))
	if err != nil {
		violations = append(violations, Violation{Field: "status", Message: err.Error()})
	}
	order, err := ParseSortOrder(c.Query("sort"))
	if err != nil {
		violations = append(violations, Violation{Field: "sort", Message: err.Error()})
	}
	if len(violations) > 0 {
		return Query{}, &ValidationError{Violations: violations}
	}
	q.Status, q.Sort = status, order
	return q, nil
}
