package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicpoll/backend/internal/models"
	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/pkg/queue"
	"github.com/civicpoll/backend/pkg/storage"
)

// JobQueue is the part of queue.Queue the worker loop needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// ObjectStore holds export documents.
type ObjectStore interface {
	ExportsBucket() string
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Tracker records the outcome of an export.
type Tracker interface {
	MarkReady(ctx context.Context, id uuid.UUID, key string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

// Document is the JSON written for one export.
type Document struct {
	ExportID    uuid.UUID       `json:"export_id"`
	ExportedAt  time.Time       `json:"exported_at"`
	RequestedBy string          `json:"requested_by"`
	Results     *models.Results `json:"results"`
}

// errPermanent marks failures a retry cannot fix.
var errPermanent = errors.New("permanent failure")

// ExportProcessor processes export jobs. A results export projects results,
// uploads JSON to S3 and marks the export ready; a purge removes the export
// objects of a deleted poll.
type ExportProcessor struct {
	svc     *polls.Service
	s3      ObjectStore
	queue   JobQueue
	tracker Tracker
	backoff time.Duration
	logger  *zap.Logger
}

// NewExportProcessor creates a results export processor.
func NewExportProcessor(svc *polls.Service, s3 ObjectStore, q JobQueue, tracker Tracker, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{svc: svc, s3: s3, queue: q, tracker: tracker, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeResultsExport:
		return p.export(ctx, job)
	case queue.JobTypeExportsPurge:
		return p.purge(ctx, job)
	default:
		return fmt.Errorf("%w: unknown job type %s", errPermanent, job.Type)
	}
}

// purge deletes exports/{poll_id}/ from the exports bucket. Keys already gone
// on a retry are simply not listed again.
func (p *ExportProcessor) purge(ctx context.Context, job *queue.Job) error {
	var payload queue.ExportsPurgePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.PollID == uuid.Nil {
		return fmt.Errorf("%w: invalid purge payload", errPermanent)
	}
	bucket := p.s3.ExportsBucket()
	keys, err := p.s3.ListKeys(ctx, bucket, storage.ExportPrefix(payload.PollID.String()))
	if err != nil {
		return fmt.Errorf("list exports: %w", err)
	}
	for _, key := range keys {
		if err := p.s3.DeleteObject(ctx, bucket, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	p.logger.Info("poll exports purged", zap.String("poll_id", payload.PollID.String()), zap.Int("objects", len(keys)))
	return nil
}

func (p *ExportProcessor) export(ctx context.Context, job *queue.Job) error {
	var payload queue.ResultsExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errPermanent, err)
	}

	results, err := p.svc.Results(ctx, payload.PollID, "")
	if err != nil {
		if errors.Is(err, polls.ErrNotFound) {
			p.fail(ctx, payload.ExportID, "poll no longer exists")
			return nil
		}
		return fmt.Errorf("project results: %w", err)
	}

	body, err := json.MarshalIndent(Document{
		ExportID:    payload.ExportID,
		ExportedAt:  p.svc.Now(),
		RequestedBy: payload.RequestedBy,
		Results:     results,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", errPermanent, err)
	}

	key := storage.ExportKey(payload.PollID.String(), payload.ExportID.String())
	if _, err := p.s3.Upload(ctx, p.s3.ExportsBucket(), key, storage.ContentTypeJSON, bytes.NewReader(body), int64(len(body))); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.tracker.MarkReady(ctx, payload.ExportID, key, p.svc.Now()); err != nil {
		p.logger.Error("mark export ready failed", zap.Error(err), zap.String("export_id", payload.ExportID.String()))
		return fmt.Errorf("mark ready: %w", err)
	}

	p.logger.Info("results export completed", zap.String("export_id", payload.ExportID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.handleFailure(ctx, job, err)
		}
	}
}

func (p *ExportProcessor) handleFailure(ctx context.Context, job *queue.Job, err error) {
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
	if errors.Is(err, errPermanent) {
		p.failJob(ctx, job, err.Error())
		return
	}
	deadLettered, reErr := p.queue.Retry(ctx, job)
	if reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr))
		return
	}
	if deadLettered {
		p.failJob(ctx, job, err.Error())
		return
	}
	p.sleep(ctx)
}

func (p *ExportProcessor) failJob(ctx context.Context, job *queue.Job, reason string) {
	if job.Type != queue.JobTypeResultsExport {
		return
	}
	var payload queue.ResultsExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.ExportID == uuid.Nil {
		return
	}
	p.fail(ctx, payload.ExportID, reason)
}

func (p *ExportProcessor) fail(ctx context.Context, exportID uuid.UUID, reason string) {
	if err := p.tracker.MarkFailed(ctx, exportID, reason, p.svc.Now()); err != nil {
		p.logger.Error("mark export failed", zap.Error(err), zap.String("export_id", exportID.String()))
		return
	}
	p.logger.Warn("results export failed", zap.String("export_id", exportID.String()), zap.String("reason", reason))
}

func (p *ExportProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
