package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/pkg/queue"
)

type fakeUploader struct {
	mu        sync.Mutex
	objects   map[string][]byte
	err       error
	deleteErr error
}

func (u *fakeUploader) ExportsBucket() string { return "exports" }

func (u *fakeUploader) Upload(_ context.Context, bucket, key, _ string, body io.Reader, _ int64) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[bucket+"/"+key] = raw
	return "s3://" + bucket + "/" + key, nil
}

func (u *fakeUploader) ListKeys(_ context.Context, bucket, prefix string) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var keys []string
	for k := range u.objects {
		if key, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (u *fakeUploader) DeleteObject(_ context.Context, bucket, key string) error {
	if u.deleteErr != nil {
		return u.deleteErr
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.objects, bucket+"/"+key)
	return nil
}

type outcome struct {
	status string
	detail string
}

type fakeTracker struct {
	mu   sync.Mutex
	seen map[uuid.UUID]outcome
}

func (t *fakeTracker) MarkReady(_ context.Context, id uuid.UUID, key string, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[id] = outcome{status: "ready", detail: key}
	return nil
}

func (t *fakeTracker) MarkFailed(_ context.Context, id uuid.UUID, reason string, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[id] = outcome{status: "failed", detail: reason}
	return nil
}

func (t *fakeTracker) get(id uuid.UUID) (outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.seen[id]
	return o, ok
}

// scriptedQueue hands out its jobs once, then blocks until ctx is done.
type scriptedQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retries int
}

func (q *scriptedQueue) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, queue.QueueExports, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func (q *scriptedQueue) Retry(_ context.Context, job *queue.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries++
	job.Attempt++
	if job.Attempt >= queue.MaxRetries {
		return true, nil
	}
	q.jobs = append(q.jobs, job)
	return false, nil
}

type fixture struct {
	svc      *polls.Service
	uploader *fakeUploader
	tracker  *fakeTracker
	queue    *scriptedQueue
	proc     *ExportProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		svc:      polls.NewService(store.NewMemory(), nil),
		uploader: &fakeUploader{objects: make(map[string][]byte)},
		tracker:  &fakeTracker{seen: make(map[uuid.UUID]outcome)},
		queue:    &scriptedQueue{},
	}
	f.proc = NewExportProcessor(f.svc, f.uploader, f.queue, f.tracker, nil)
	f.proc.backoff = time.Millisecond
	return f
}

func exportJob(t *testing.T, pollID, exportID uuid.UUID) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeResultsExport, queue.ResultsExportPayload{
		ExportID:    exportID,
		PollID:      pollID,
		RequestedBy: "alice",
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

func TestProcessUploadsResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.CreatePoll(ctx, "alice", polls.Draft{Title: "Lunch", Options: []string{"Pizza", "Tacos"}})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if _, err := f.svc.RecordVote(ctx, p.ID, p.Options[1].ID, "bob"); err != nil {
		t.Fatalf("vote: %v", err)
	}

	exportID := uuid.New()
	if err := f.proc.Process(ctx, exportJob(t, p.ID, exportID)); err != nil {
		t.Fatalf("process: %v", err)
	}

	key := "exports/" + p.ID.String() + "/" + exportID.String() + ".json"
	raw, ok := f.uploader.objects["exports/"+key]
	if !ok {
		t.Fatalf("object %s not uploaded; have %v", key, f.uploader.objects)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.ExportID != exportID || doc.Results == nil || doc.Results.TotalVotes != 1 {
		t.Fatalf("document = %+v", doc)
	}
	if doc.Results.Options[1].Percentage != 100 || doc.Results.UserVote != nil {
		t.Fatalf("results = %+v", doc.Results)
	}
	if got, _ := f.tracker.get(exportID); got != (outcome{status: "ready", detail: key}) {
		t.Fatalf("tracker = %+v", got)
	}
}

func TestProcessMissingPollFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	exportID := uuid.New()
	if err := f.proc.Process(context.Background(), exportJob(t, uuid.New(), exportID)); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, ok := f.tracker.get(exportID)
	if !ok || got.status != "failed" {
		t.Fatalf("tracker = %+v, %v", got, ok)
	}
	if len(f.uploader.objects) != 0 {
		t.Fatal("nothing should be uploaded")
	}
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	f := newFixture(t)
	err := f.proc.Process(context.Background(), &queue.Job{ID: "1", Type: "mystery"})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.CreatePoll(context.Background(), "alice", polls.Draft{Title: "Lunch", Options: []string{"Pizza", "Tacos"}})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	f.uploader.err = errors.New("bucket unavailable")
	exportID := uuid.New()
	f.queue.jobs = []*queue.Job{exportJob(t, p.ID, exportID)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if got, ok := f.tracker.get(exportID); ok {
			if got.status != "failed" {
				t.Fatalf("tracker = %+v", got)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("export never marked failed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if f.queue.retries != queue.MaxRetries {
		t.Fatalf("retries = %d, want %d", f.queue.retries, queue.MaxRetries)
	}
}

func purgeJob(t *testing.T, pollID uuid.UUID) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeExportsPurge, queue.ExportsPurgePayload{PollID: pollID})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

func TestProcessPurgesDeletedPollExports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deleted, kept := uuid.New(), uuid.New()
	f.uploader.objects["exports/exports/"+deleted.String()+"/a.json"] = []byte("{}")
	f.uploader.objects["exports/exports/"+deleted.String()+"/b.json"] = []byte("{}")
	f.uploader.objects["exports/exports/"+kept.String()+"/c.json"] = []byte("{}")

	if err := f.proc.Process(ctx, purgeJob(t, deleted)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(f.uploader.objects) != 1 {
		t.Fatalf("objects left = %v", f.uploader.objects)
	}
	if _, ok := f.uploader.objects["exports/exports/"+kept.String()+"/c.json"]; !ok {
		t.Fatal("another poll's export was removed")
	}

	// nothing left to delete is still a success
	if err := f.proc.Process(ctx, purgeJob(t, deleted)); err != nil {
		t.Fatalf("second purge: %v", err)
	}
}

func TestPurgeFailureRetriesWithoutTouchingExports(t *testing.T) {
	f := newFixture(t)
	pollID := uuid.New()
	f.uploader.objects["exports/exports/"+pollID.String()+"/a.json"] = []byte("{}")
	f.uploader.deleteErr = errors.New("access denied")

	err := f.proc.Process(context.Background(), purgeJob(t, pollID))
	if err == nil || errors.Is(err, errPermanent) {
		t.Fatalf("err = %v, want retryable", err)
	}
	f.proc.handleFailure(context.Background(), purgeJob(t, pollID), err)
	if f.queue.retries != 1 {
		t.Fatalf("retries = %d, want 1", f.queue.retries)
	}
	if len(f.tracker.seen) != 0 {
		t.Fatalf("purge failure touched export records: %v", f.tracker.seen)
	}

	bad := &queue.Job{ID: "2", Type: queue.JobTypeExportsPurge, Payload: json.RawMessage(`{}`)}
	if err := f.proc.Process(context.Background(), bad); !errors.Is(err, errPermanent) {
		t.Fatalf("empty payload err = %v, want permanent", err)
	}
}
