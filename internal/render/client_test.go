package render

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeRenderer serves submit, progress and download for one work unit and
// replays the given progress stages in order, repeating the last one.
type fakeRenderer struct {
	t      *testing.T
	token  string
	stages []Progress
	output []byte

	mu       sync.Mutex
	polls    int
	mode     string
	label    string
	archive  []byte
	authSeen []string
}

func (f *fakeRenderer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("archive")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)

		f.mu.Lock()
		f.mode = r.FormValue("mode")
		f.label = r.FormValue("label")
		f.archive = data
		f.mu.Unlock()

		json.NewEncoder(w).Encode(Submission{WorkID: "w-1"})
	})
	mux.HandleFunc("/progress/w-1", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		i := f.polls
		if i >= len(f.stages) {
			i = len(f.stages) - 1
		}
		f.polls++
		p := f.stages[i]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("/download/w-1", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Write(f.output)
	})
	return mux
}

func (f *fakeRenderer) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
}

func newTestClient(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      srv.URL,
		Token:        token,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  2 * time.Second,
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestRenderHappyPath(t *testing.T) {
	t.Parallel()
	f := &fakeRenderer{
		t:     t,
		token: "secret",
		stages: []Progress{
			{Stage: StageInit},
			{Stage: StagePDF, Percent: 30},
			{Stage: StagePDF, Percent: 70},
			{Stage: StageDone, Percent: 100},
		},
		output: []byte("zip-bytes"),
	}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := newTestClient(t, srv, "secret")

	var seen []Progress
	out, err := c.Render(context.Background(), []byte("bundle"), ModePrint, "Book A", func(p Progress) {
		seen = append(seen, p)
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if string(out) != "zip-bytes" {
		t.Errorf("Render() = %q, want the downloaded archive", out)
	}
	if len(seen) != 4 || seen[3].Stage != StageDone {
		t.Errorf("progress callbacks = %+v, want 4 ending in done", seen)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != "print" || f.label != "Book A" || string(f.archive) != "bundle" {
		t.Errorf("submit form = mode %q label %q archive %q", f.mode, f.label, f.archive)
	}
	for _, auth := range f.authSeen {
		if auth != "Bearer secret" {
			t.Fatalf("Authorization = %q, want bearer token on every call", auth)
		}
	}
}

func TestWaitErrorStageFailsFast(t *testing.T) {
	t.Parallel()
	f := &fakeRenderer{
		t: t,
		stages: []Progress{
			{Stage: StageUpscale},
			{Stage: StageError, Message: "font missing"},
			{Stage: StageDone},
		},
	}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := newTestClient(t, srv, "")
	_, err := c.Wait(context.Background(), &Submission{WorkID: "w-1"}, nil)

	var serr *ServiceError
	if !errors.As(err, &serr) {
		t.Fatalf("Wait() error = %v, want ServiceError", err)
	}
	if serr.WorkID != "w-1" || serr.Message != "font missing" {
		t.Errorf("ServiceError = %+v", serr)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls != 2 {
		t.Errorf("polls = %d, want polling to stop at the error stage", f.polls)
	}
}

func TestWaitTimesOut(t *testing.T) {
	t.Parallel()
	f := &fakeRenderer{t: t, stages: []Progress{{Stage: StagePDF, Percent: 40}}}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  40 * time.Millisecond,
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	last, err := c.Wait(context.Background(), &Submission{WorkID: "w-1"}, nil)
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Wait() error = %v, want TimeoutError", err)
	}
	if last == nil || last.Stage != StagePDF {
		t.Errorf("last progress = %+v, want the last pdf stage", last)
	}
	if IsServiceError(err) {
		t.Error("a timeout must not be reported as a service error")
	}
}

func TestNonSuccessStatusIsServiceError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad archive", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	_, err := c.Submit(context.Background(), []byte("x"), ModePreview, "")

	var serr *ServiceError
	if !errors.As(err, &serr) {
		t.Fatalf("Submit() error = %v, want ServiceError", err)
	}
	if serr.StatusCode != http.StatusUnprocessableEntity || serr.Op != "submit" {
		t.Errorf("ServiceError = %+v", serr)
	}
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	f := &fakeRenderer{t: t, stages: []Progress{{Stage: StageInit}}}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := newTestClient(t, srv, "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, &Submission{WorkID: "w-1"}, nil)
	if err == nil {
		t.Fatal("Wait() returned nil after the context was cancelled")
	}
	if IsTimeout(err) {
		t.Errorf("Wait() error = %v; a cancelled context is not a render timeout", err)
	}
}

func TestResolveUsesReturnedURLs(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{BaseURL: "http://render.local/api"}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	tests := []struct {
		ref, fallback, want string
	}{
		{"", "progress/w-1", "http://render.local/api/progress/w-1"},
		{"/status/w-1?full=1", "progress/w-1", "http://render.local/api/status/w-1?full=1"},
		{"https://cdn.local/out.zip", "download/w-1", "https://cdn.local/out.zip"},
	}
	for _, tt := range tests {
		if got := c.resolve(tt.ref, tt.fallback); got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}

	if _, err := NewClient(Config{BaseURL: "not a url"}, nil); err == nil {
		t.Error("NewClient() accepted an invalid base url")
	}
}
