package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/jobs"
	"github.com/yungbote/downdeck-backend/internal/data/repos/testutil"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	httpH "github.com/yungbote/downdeck-backend/internal/http/handlers"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
	"github.com/yungbote/downdeck-backend/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCore struct {
	mu         sync.Mutex
	submitted  []*types.SubmitRequest
	lastFilter jobsrepo.Filter
	job        *types.Job
	controlErr error
}

func (f *fakeCore) Submit(_ context.Context, req *types.SubmitRequest) (*types.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	job := &types.Job{ID: uuid.New(), URL: req.URL, Kind: req.Kind, Status: types.StatusQueued}
	return job, nil
}

func (f *fakeCore) Get(_ context.Context, id uuid.UUID) (*types.Job, error) {
	if f.job == nil || f.job.ID != id {
		return nil, pkgerrors.ErrNotFound
	}
	return f.job, nil
}

func (f *fakeCore) List(_ context.Context, filter jobsrepo.Filter) ([]*types.Job, int64, error) {
	f.mu.Lock()
	f.lastFilter = filter
	f.mu.Unlock()
	return []*types.Job{}, 0, nil
}

func (f *fakeCore) Delete(context.Context, uuid.UUID) error { return f.controlErr }
func (f *fakeCore) Cancel(context.Context, uuid.UUID) error { return f.controlErr }
func (f *fakeCore) Pause(context.Context, uuid.UUID) error  { return f.controlErr }
func (f *fakeCore) Resume(context.Context, uuid.UUID) error { return f.controlErr }
func (f *fakeCore) Retry(context.Context, uuid.UUID) error  { return f.controlErr }

func (f *fakeCore) Stats(context.Context, string, string) ([]*types.DailyStat, error) {
	return []*types.DailyStat{}, nil
}

func (f *fakeCore) Counts(context.Context) (map[types.JobStatus]int64, error) {
	return map[types.JobStatus]int64{}, nil
}

func (f *fakeCore) Depth(context.Context) (map[types.QueueState]int64, error) {
	return map[types.QueueState]int64{}, nil
}

type fakeIngest struct {
	mu        sync.Mutex
	progress  []types.ProgressEvent
	completed []types.CompletedEvent
}

func (f *fakeIngest) OnProgress(evt types.ProgressEvent) {
	f.mu.Lock()
	f.progress = append(f.progress, evt)
	f.mu.Unlock()
}

func (f *fakeIngest) OnLog(types.LogEvent) {}

func (f *fakeIngest) OnCompleted(evt types.CompletedEvent) error {
	f.mu.Lock()
	f.completed = append(f.completed, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakeIngest) OnFailed(types.FailedEvent) error { return nil }
func (f *fakeIngest) OnJobUpdate(types.JobUpdateEvent) {}

func (f *fakeIngest) progressCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.progress)
}

type testRig struct {
	engine *gin.Engine
	core   *fakeCore
	ingest *fakeIngest
	hub    *realtime.Hub
}

func newTestRig(t *testing.T, apiKey, workerToken string) *testRig {
	t.Helper()
	log := testutil.Logger(t)
	core := &fakeCore{}
	ingest := &fakeIngest{}
	hub := realtime.NewHub(log)
	engine := NewRouter(RouterConfig{
		Log:           log,
		JobsHandler:   httpH.NewJobsHandler(core),
		EventsHandler: httpH.NewEventsHandler(hub, log),
		WorkerHandler: httpH.NewWorkerHandler(ingest),
		FilesHandler:  httpH.NewFilesHandler(core),
		HealthHandler: httpH.NewHealthHandler(testutil.DB(t), hub, core),
		APIKey:        apiKey,
		WorkerToken:   workerToken,
	})
	return &testRig{engine: engine, core: core, ingest: ingest, hub: hub}
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestSubmitCreated(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	rec := doJSON(t, rig.engine, http.MethodPost, "/api/jobs",
		map[string]any{"url": "https://www.youtube.com/watch?v=abc123", "kind": "auto"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		JobID uuid.UUID `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.JobID == uuid.Nil {
		t.Fatalf("expected a job id, got nil")
	}
	if len(rig.core.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(rig.core.submitted))
	}
}

func TestSubmitValidationError(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	rec := doJSON(t, rig.engine, http.MethodPost, "/api/jobs",
		map[string]any{"url": "not a url"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), string(types.CodeInvalidInput)) {
		t.Fatalf("expected %s in body, got %s", types.CodeInvalidInput, rec.Body.String())
	}
	if len(rig.core.submitted) != 0 {
		t.Fatalf("invalid submission must not reach the core")
	}
}

func TestListFilterPassthrough(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	rec := doJSON(t, rig.engine, http.MethodGet, "/api/jobs?status=queued&kind=youtube&q=abc&limit=10&offset=5", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	f := rig.core.lastFilter
	if f.Status != types.StatusQueued || f.Kind != types.KindYoutube || f.Search != "abc" || f.Limit != 10 || f.Offset != 5 {
		t.Fatalf("filter not passed through: %+v", f)
	}

	rec = doJSON(t, rig.engine, http.MethodGet, "/api/jobs?status=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestControlErrorMapping(t *testing.T) {
	rig := newTestRig(t, "", "tok")
	rig.core.controlErr = pkgerrors.ErrIllegalTransition

	rec := doJSON(t, rig.engine, http.MethodPost, "/api/jobs/"+uuid.NewString()+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, rig.engine, http.MethodPost, "/api/jobs/not-a-uuid/cancel", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestGetUnknownJob(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	rec := doJSON(t, rig.engine, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAPIKeyGuard(t *testing.T) {
	rig := newTestRig(t, "secret", "tok")

	rec := doJSON(t, rig.engine, http.MethodGet, "/api/jobs", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = doJSON(t, rig.engine, http.MethodGet, "/api/jobs", nil, map[string]string{"X-API-Key": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	// The worker route has its own token and ignores the API key.
	rec = doJSON(t, rig.engine, http.MethodPost, "/api/worker/events",
		map[string]any{"type": "log", "payload": map[string]any{"jobId": uuid.New(), "level": "info", "message": "hi"}},
		map[string]string{"X-Worker-Token": "tok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on worker route, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWorkerTokenGuard(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	env := map[string]any{
		"type":    "progress",
		"payload": map[string]any{"jobId": uuid.New(), "stage": "download", "progress": 42.0},
	}

	rec := doJSON(t, rig.engine, http.MethodPost, "/api/worker/events", env, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, rig.engine, http.MethodPost, "/api/worker/events", env, map[string]string{"X-Worker-Token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rig.ingest.progressCount() != 0 {
		t.Fatalf("rejected events must not reach the pipeline")
	}

	rec = doJSON(t, rig.engine, http.MethodPost, "/api/worker/events", env, map[string]string{"X-Worker-Token": "tok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rig.ingest.progressCount() != 1 {
		t.Fatalf("expected 1 ingested progress event, got %d", rig.ingest.progressCount())
	}
}

func TestWorkerUnknownEventType(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	rec := doJSON(t, rig.engine, http.MethodPost, "/api/worker/events",
		map[string]any{"type": "bogus", "payload": map[string]any{}},
		map[string]string{"X-Worker-Token": "tok"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

// sseSession drives a live event stream against an httptest server.
type sseSession struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func openStream(t *testing.T, baseURL string, jobs string) *sseSession {
	t.Helper()
	url := baseURL + "/api/events"
	if jobs != "" {
		url += "?jobs=" + jobs
	}
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on stream, got %d", resp.StatusCode)
	}
	return &sseSession{resp: resp, scanner: bufio.NewScanner(resp.Body)}
}

// next reads one SSE event, returning its type and decoded envelope.
func (s *sseSession) next(t *testing.T) (string, types.Event) {
	t.Helper()
	var eventType string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var evt types.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return eventType, evt
		}
	}
	t.Fatalf("stream ended early: %v", s.scanner.Err())
	return "", types.Event{}
}

func TestEventStreamJoinLeave(t *testing.T) {
	rig := newTestRig(t, "", "tok")
	srv := httptest.NewServer(rig.engine)
	t.Cleanup(srv.Close)

	sess := openStream(t, srv.URL, "")

	evtType, hello := sess.next(t)
	if evtType != "hello" {
		t.Fatalf("expected hello first, got %q", evtType)
	}
	payload, ok := hello.Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected hello payload: %#v", hello.Payload)
	}
	clientID, _ := payload["clientId"].(string)
	if clientID == "" {
		t.Fatalf("hello carried no clientId: %#v", payload)
	}

	jobID := uuid.New()
	body, _ := json.Marshal(map[string]any{"jobId": jobID})
	resp, err := http.Post(fmt.Sprintf("%s/api/events/%s/join", srv.URL, clientID), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on join, got %d", resp.StatusCode)
	}
	var ack struct {
		OK   bool   `json:"ok"`
		Room string `json:"room"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK || ack.Room != types.RoomForJob(jobID) {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	// The joined room now delivers.
	rig.hub.Publish(types.RoomForJob(jobID), types.EventProgress, types.ProgressEvent{JobID: jobID, Progress: 10})
	evtType, evt := sess.next(t)
	if evtType != types.EventProgress || evt.Room != types.RoomForJob(jobID) {
		t.Fatalf("expected progress in joined room, got %q %+v", evtType, evt)
	}

	// Unknown client is a 404.
	resp2, err := http.Post(fmt.Sprintf("%s/api/events/%s/leave", srv.URL, uuid.NewString()), "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", resp2.StatusCode)
	}
}

func TestStreamPreJoinsRooms(t *testing.T) {
	rig := newTestRig(t, "", "tok")
	srv := httptest.NewServer(rig.engine)
	t.Cleanup(srv.Close)

	jobID := uuid.New()
	sess := openStream(t, srv.URL, jobID.String())

	if evtType, _ := sess.next(t); evtType != "hello" {
		t.Fatalf("expected hello first, got %q", evtType)
	}

	// The hello read above guarantees the subscription is live.
	rig.hub.Publish(types.RoomForJob(jobID), types.EventCompleted, types.CompletedEvent{JobID: jobID, Filename: "a.mp4"})

	evtType, evt := sess.next(t)
	if evtType != types.EventCompleted || evt.Room != types.RoomForJob(jobID) {
		t.Fatalf("expected completed in pre-joined room, got %q %+v", evtType, evt)
	}
}

func TestHealthz(t *testing.T) {
	rig := newTestRig(t, "", "tok")

	rec := doJSON(t, rig.engine, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}
