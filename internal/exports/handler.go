package exports

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/internal/middleware"
	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/pkg/queue"
	"github.com/civicpoll/backend/pkg/response"
)

// Records persists export records.
type Records interface {
	Save(ctx context.Context, e *Export) error
	Get(ctx context.Context, id uuid.UUID) (*Export, error)
}

// Enqueuer hands export jobs to the worker.
type Enqueuer interface {
	EnqueueResultsExport(ctx context.Context, payload queue.ResultsExportPayload) error
}

// Presigner issues download links for finished exports.
type Presigner interface {
	ExportsBucket() string
	PresignExpire() time.Duration
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Handler serves the export endpoints. Only the poll creator may export.
type Handler struct {
	svc     *polls.Service
	records Records
	jobs    Enqueuer
	links   Presigner
	logger  *zap.Logger
}

// NewHandler creates an exports handler.
func NewHandler(svc *polls.Service, records Records, jobs Enqueuer, links Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, records: records, jobs: jobs, links: links, logger: logger}
}

// Create handles POST /polls/:id/exports.
func (h *Handler) Create(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "poll not found")
		return
	}
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	if _, err := h.svc.OwnedPoll(ctx, id, userID, "export its results"); err != nil {
		polls.RespondError(c, h.logger, err)
		return
	}

	e := &Export{
		ID:          uuid.New(),
		PollID:      id,
		RequestedBy: userID,
		Status:      StatusPending,
		RequestedAt: h.svc.Now(),
	}
	if err := h.records.Save(ctx, e); err != nil {
		h.logger.Error("save export", zap.String("poll_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to create export")
		return
	}
	if err := h.jobs.EnqueueResultsExport(ctx, queue.ResultsExportPayload{
		ExportID:    e.ID,
		PollID:      id,
		RequestedBy: userID,
	}); err != nil {
		h.logger.Error("enqueue export", zap.String("export_id", e.ID.String()), zap.Error(err))
		failedAt := h.svc.Now()
		e.Status, e.Error, e.CompletedAt = StatusFailed, "export queue unavailable", &failedAt
		if err := h.records.Save(ctx, e); err != nil {
			h.logger.Error("mark export failed", zap.String("export_id", e.ID.String()), zap.Error(err))
		}
		response.ServiceUnavailable(c, "export queue unavailable")
		return
	}
	h.logger.Info("export requested", zap.String("export_id", e.ID.String()), zap.String("poll_id", id.String()))
	response.Accepted(c, e)
}

// Get handles GET /polls/:id/exports/:export_id. A ready export carries a
// short-lived download URL.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.NotFound(c, "poll not found")
		return
	}
	exportID, err := uuid.Parse(c.Param("export_id"))
	if err != nil {
		response.NotFound(c, "export not found")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.svc.OwnedPoll(ctx, id, middleware.UserID(c), "export its results"); err != nil {
		polls.RespondError(c, h.logger, err)
		return
	}

	e, err := h.records.Get(ctx, exportID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "export not found")
			return
		}
		h.logger.Error("get export", zap.String("export_id", exportID.String()), zap.Error(err))
		response.Internal(c, "failed to load export")
		return
	}
	if e.PollID != id {
		response.NotFound(c, "export not found")
		return
	}
	if e.Status == StatusReady && e.Key != "" {
		url, err := h.links.GeneratePresignedDownloadURL(ctx, h.links.ExportsBucket(), e.Key, h.links.PresignExpire())
		if err != nil {
			h.logger.Error("presign export", zap.String("export_id", e.ID.String()), zap.Error(err))
			response.Internal(c, "failed to sign download url")
			return
		}
		e.DownloadURL = url
	}
	response.OK(c, e)
}
