package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/memstore"
)

const printPayload = `{"woocommerceOrderId":"5012","books":[{"generationId":"gen-1","configId":"cfg-a"}]}`

type testServer struct {
	manager *jobs.Manager
	wakes   atomic.Int32
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.manager = jobs.NewManager(memstore.New(), jobs.Config{})
	ts.handler = NewRouter(Deps{
		Manager: ts.manager,
		Waker:   jobs.NotifierFunc(func() { ts.wakes.Add(1) }),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

func TestCreateJobAndDuplicate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body := `{"type":"PRINT_GENERATION","payload":` + printPayload + `}`
	rec := ts.do(t, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first jobs.EnqueueResult
	decode(t, rec, &first)
	if first.JobID == "" || first.IsDuplicate {
		t.Fatalf("first create = %+v", first)
	}

	rec = ts.do(t, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate create status = %d, want 200", rec.Code)
	}
	var dup jobs.EnqueueResult
	decode(t, rec, &dup)
	if !dup.IsDuplicate || dup.JobID != first.JobID {
		t.Errorf("duplicate create = %+v, want existing job %s", dup, first.JobID)
	}
}

func TestCreateJobOptions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/jobs",
		`{"type":"CONTENT_GENERATION","payload":{"generationId":"gen-9"},"urgent":true,"maxRetries":5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res jobs.EnqueueResult
	decode(t, rec, &res)

	job, err := ts.manager.GetStatus(context.Background(), res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Priority != jobs.PriorityUrgent || job.MaxRetries != 5 {
		t.Errorf("priority %d max retries %d, want %d and 5", job.Priority, job.MaxRetries, jobs.PriorityUrgent)
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"bad json", `{`, "body"},
		{"unknown type", `{"type":"EMAIL","payload":{}}`, "type"},
		{"missing payload", `{"type":"PRINT_GENERATION"}`, "payload"},
		{"missing order", `{"type":"PRINT_GENERATION","payload":{"books":[{"generationId":"g","configId":"c"}]}}`, "woocommerceOrderId"},
		{"no books", `{"type":"PREVIEW_GENERATION","payload":{"orderId":"o","books":[]}}`, "books"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
			var resp errorResponse
			decode(t, rec, &resp)
			if resp.Field != tt.wantField {
				t.Errorf("field = %q, want %q", resp.Field, tt.wantField)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/jobs/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}

	res, err := ts.manager.EnqueueRaw(context.Background(), interfaces.TypePrintGeneration, json.RawMessage(printPayload), jobs.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	rec = ts.do(t, http.MethodGet, "/jobs/"+res.JobID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var job interfaces.Job
	decode(t, rec, &job)
	if job.ID != res.JobID || job.Status != interfaces.StatusPending || job.Type != interfaces.TypePrintGeneration {
		t.Errorf("job = %+v", job)
	}
}

func TestCancelTransitions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	pending, err := ts.manager.EnqueueRaw(ctx, interfaces.TypeContentGeneration, json.RawMessage(`{"generationId":"a"}`), jobs.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	rec := ts.do(t, http.MethodPost, "/jobs/"+pending.JobID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel pending status = %d, body %s", rec.Code, rec.Body.String())
	}

	running, err := ts.manager.EnqueueRaw(ctx, interfaces.TypeContentGeneration, json.RawMessage(`{"generationId":"b"}`), jobs.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := ts.manager.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil || claimed.ID != running.JobID {
		t.Fatalf("ClaimNext() = %v, %v", claimed, err)
	}

	rec = ts.do(t, http.MethodPost, "/jobs/"+running.JobID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel processing status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/jobs/"+running.JobID+"/force-cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	job, _ := ts.manager.GetStatus(ctx, running.JobID)
	if job.Status != interfaces.StatusCancelled {
		t.Errorf("status after force-cancel = %s", job.Status)
	}

	rec = ts.do(t, http.MethodPost, "/jobs/missing/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d, want 404", rec.Code)
	}
}

func TestRetrigger(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	res, err := ts.manager.EnqueueRaw(ctx, interfaces.TypeContentGeneration, json.RawMessage(`{"generationId":"a"}`), jobs.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.manager.CancelJob(ctx, res.JobID); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodPost, "/jobs/"+res.JobID+"/retrigger", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("retrigger status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["retriggeredFrom"] != res.JobID || body["jobId"] == "" || body["jobId"] == res.JobID {
		t.Errorf("retrigger response = %v", body)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := ts.manager.EnqueueRaw(ctx, interfaces.TypeContentGeneration, json.RawMessage(`{"generationId":"`+id+`"}`), jobs.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ts.manager.EnqueueRaw(ctx, interfaces.TypePrintGeneration, json.RawMessage(printPayload), jobs.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantTotal int
		wantLen   int
		wantLimit int
	}{
		{"all", "", http.StatusOK, 4, 4, jobs.DefaultListLimit},
		{"by type", "?type=CONTENT_GENERATION", http.StatusOK, 3, 3, jobs.DefaultListLimit},
		{"paged", "?type=CONTENT_GENERATION&limit=2", http.StatusOK, 3, 2, 2},
		{"max limit", "?limit=500", http.StatusOK, 4, 4, jobs.MaxListLimit},
		{"by status", "?status=completed", http.StatusOK, 0, 0, jobs.DefaultListLimit},
		{"bad status", "?status=done", http.StatusBadRequest, 0, 0, 0},
		{"bad limit", "?limit=-1", http.StatusBadRequest, 0, 0, 0},
		{"limit over max", "?limit=501", http.StatusBadRequest, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/jobs"+tt.query, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp listJobsResponse
			decode(t, rec, &resp)
			if resp.Total != tt.wantTotal || len(resp.Jobs) != tt.wantLen {
				t.Errorf("total %d len %d, want %d and %d", resp.Total, len(resp.Jobs), tt.wantTotal, tt.wantLen)
			}
			if resp.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", resp.Limit, tt.wantLimit)
			}
		})
	}

	rec := ts.do(t, http.MethodGet, "/jobs?limit=501", "")
	var errResp errorResponse
	decode(t, rec, &errResp)
	if errResp.Field != "limit" {
		t.Errorf("error field = %q, want limit", errResp.Field)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	if _, err := ts.manager.EnqueueRaw(ctx, interfaces.TypeContentGeneration, json.RawMessage(`{"generationId":"a"}`), jobs.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodGet, "/jobs/stats?hours=48", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var stats jobs.JobStats
	decode(t, rec, &stats)
	if stats.WindowHours != 48 || stats.Total != 1 || stats.Counts[interfaces.StatusPending] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if rec := ts.do(t, http.MethodGet, "/jobs/stats?hours=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad hours status = %d, want 400", rec.Code)
	}
}

func TestRouterUsesQueueSettings(t *testing.T) {
	t.Parallel()
	manager := jobs.NewManager(memstore.New(), jobs.Config{})
	handler := NewRouter(Deps{Manager: manager, UrgentPriority: 2, StatsWindowHours: 6})
	ts := &testServer{manager: manager, handler: handler}

	rec := ts.do(t, http.MethodPost, "/jobs", `{"type":"CONTENT_GENERATION","payload":{"generationId":"gen-u"},"urgent":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res jobs.EnqueueResult
	decode(t, rec, &res)
	job, err := manager.GetStatus(context.Background(), res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Priority != 2 {
		t.Errorf("urgent priority = %d, want 2", job.Priority)
	}

	rec = ts.do(t, http.MethodGet, "/jobs/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats jobs.JobStats
	decode(t, rec, &stats)
	if stats.WindowHours != 6 {
		t.Errorf("window = %d, want 6", stats.WindowHours)
	}
}

func TestWake(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/worker/wake", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if ts.wakes.Load() != 1 {
		t.Errorf("wakes = %d, want 1", ts.wakes.Load())
	}

	noWaker := NewRouter(Deps{Manager: ts.manager})
	rec = httptest.NewRecorder()
	noWaker.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/worker/wake", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without waker = %d, want 503", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := ts.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}

	var ready ReadinessResponse
	decode(t, ts.do(t, http.MethodGet, "/health/ready", ""), &ready)
	if ready.Database != "connected" || ready.Service != "api-service" {
		t.Errorf("readiness = %+v", ready)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return context.DeadlineExceeded }

func TestReadinessReportsDatabaseDown(t *testing.T) {
	t.Parallel()
	hh := &healthHandlers{service: "api-service", db: downPinger{}}
	rec := httptest.NewRecorder()
	hh.readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disconnected") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	req.Header.Set(CorrelationHeader, "corr-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(CorrelationHeader); got != "corr-123" {
		t.Errorf("response header = %q, want corr-123", got)
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.CorrelationID != "corr-123" {
		t.Errorf("error body correlation id = %q", resp.CorrelationID)
	}

	rec = ts.do(t, http.MethodGet, "/health", "")
	if rec.Header().Get(CorrelationHeader) == "" {
		t.Error("no correlation id generated")
	}
}
