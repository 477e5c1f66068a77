package exports

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/civicpoll/backend/internal/auth"
	"github.com/civicpoll/backend/internal/middleware"
	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/pkg/queue"
)

type memRecords struct {
	mu   sync.Mutex
	byID map[uuid.UUID]Export
}

func (m *memRecords) Save(_ context.Context, e *Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[e.ID] = *e
	return nil
}

func (m *memRecords) Get(_ context.Context, id uuid.UUID) (*Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

type fakeQueue struct {
	jobs []queue.ResultsExportPayload
	err  error
}

func (q *fakeQueue) EnqueueResultsExport(_ context.Context, p queue.ResultsExportPayload) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, p)
	return nil
}

type fakePresigner struct{}

func (fakePresigner) ExportsBucket() string        { return "exports-bucket" }
func (fakePresigner) PresignExpire() time.Duration { return time.Minute }
func (fakePresigner) GeneratePresignedDownloadURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key + "?sig=1", nil
}

type envelope struct {
	Success bool   `json:"success"`
	Data    Export `json:"data"`
	Error   string `json:"error"`
}

type fixture struct {
	router  *gin.Engine
	jwt     *auth.JWTService
	records *memRecords
	queue   *fakeQueue
	pollID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := polls.NewService(store.NewMemory(), nil)
	p, err := svc.CreatePoll(context.Background(), "alice", polls.Draft{
		Title:   "Lunch",
		Options: []string{"Pizza", "Tacos"},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	records := &memRecords{byID: make(map[uuid.UUID]Export)}
	q := &fakeQueue{}
	h := NewHandler(svc, records, q, fakePresigner{}, nil)
	jwtService := auth.NewJWTService("test-secret", 1)

	r := gin.New()
	private := r.Group("", middleware.JWT(jwtService))
	private.POST("/polls/:id/exports", h.Create)
	private.GET("/polls/:id/exports/:export_id", h.Get)
	return &fixture{router: r, jwt: jwtService, records: records, queue: q, pollID: p.ID}
}

func (f *fixture) do(t *testing.T, method, path, user string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	token, err := f.jwt.Generate(user, "")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestCreateEnqueuesPendingExport(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/polls/"+f.pollID.String()+"/exports", "alice")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.Data.Status != StatusPending || env.Data.PollID != f.pollID {
		t.Fatalf("export = %+v", env.Data)
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].ExportID != env.Data.ID {
		t.Fatalf("jobs = %+v", f.queue.jobs)
	}
	if _, err := f.records.Get(context.Background(), env.Data.ID); err != nil {
		t.Fatalf("record not saved: %v", err)
	}
}

func TestCreateRequiresCreator(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/polls/"+f.pollID.String()+"/exports", "bob")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("job enqueued for non-creator")
	}
}

func TestCreateUnknownPoll(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/polls/"+uuid.NewString()+"/exports", "alice")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateQueueDown(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("connection refused")
	rec, _ := f.do(t, http.MethodPost, "/polls/"+f.pollID.String()+"/exports", "alice")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if len(f.records.byID) != 1 {
		t.Fatalf("records = %d, want 1", len(f.records.byID))
	}
	for _, e := range f.records.byID {
		if e.Status != StatusFailed || e.Error == "" || e.CompletedAt == nil {
			t.Fatalf("record left as %+v, want failed", e)
		}
	}
}

func TestGetExport(t *testing.T) {
	f := newFixture(t)
	_, created := f.do(t, http.MethodPost, "/polls/"+f.pollID.String()+"/exports", "alice")
	path := "/polls/" + f.pollID.String() + "/exports/" + created.Data.ID.String()

	rec, env := f.do(t, http.MethodGet, path, "alice")
	if rec.Code != http.StatusOK || env.Data.Status != StatusPending || env.Data.DownloadURL != "" {
		t.Fatalf("pending: status %d, export %+v", rec.Code, env.Data)
	}

	e, _ := f.records.Get(context.Background(), created.Data.ID)
	e.Status = StatusReady
	e.Key = "exports/x/y.json"
	_ = f.records.Save(context.Background(), e)

	rec, env = f.do(t, http.MethodGet, path, "alice")
	if rec.Code != http.StatusOK || env.Data.Status != StatusReady {
		t.Fatalf("ready: status %d, export %+v", rec.Code, env.Data)
	}
	if !strings.HasPrefix(env.Data.DownloadURL, "https://exports-bucket.example/exports/x/y.json") {
		t.Fatalf("download url = %q", env.Data.DownloadURL)
	}
}

func TestGetExportOfOtherPoll(t *testing.T) {
	f := newFixture(t)
	other := &Export{ID: uuid.New(), PollID: uuid.New(), Status: StatusPending}
	_ = f.records.Save(context.Background(), other)

	rec, _ := f.do(t, http.MethodGet, "/polls/"+f.pollID.String()+"/exports/"+other.ID.String(), "alice")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	rec, _ = f.do(t, http.MethodGet, "/polls/"+f.pollID.String()+"/exports/not-a-uuid", "alice")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("malformed id status = %d, want 404", rec.Code)
	}
}
