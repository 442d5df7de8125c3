package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtr002/render-queue/internal/bundle"
	"github.com/mtr002/render-queue/internal/content"
	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/objectstore"
	"github.com/mtr002/render-queue/internal/render"
)

type stubBundler struct{}

func (stubBundler) Build(_ context.Context, g *content.Generation) (*bundle.Bundle, error) {
	return &bundle.Bundle{Archive: []byte("bundle:" + g.ID)}, nil
}

// stubRenderer renders every book into a one-file archive unless its label
// has a configured error.
type stubRenderer struct {
	t    *testing.T
	fail map[string]error

	mu     sync.Mutex
	labels []string
	modes  []render.Mode
}

func (r *stubRenderer) Render(_ context.Context, archive []byte, mode render.Mode, label string, onProgress func(render.Progress)) ([]byte, error) {
	r.mu.Lock()
	r.labels = append(r.labels, label)
	r.modes = append(r.modes, mode)
	r.mu.Unlock()

	if err := r.fail[label]; err != nil {
		return nil, err
	}
	onProgress(render.Progress{Stage: render.StageDone, Percent: 100})

	files := map[string]string{"book.pdf": string(archive)}
	if mode == render.ModePreview {
		files = map[string]string{"preview.pdf": "preview of " + label}
	}
	return zipOf(r.t, files), nil
}

func newContent(ids ...string) *content.Memory {
	m := content.NewMemory()
	for _, id := range ids {
		m.Put(&content.Generation{
			ID:        "gen-" + id,
			Finalized: true,
			Scenes:    []content.Scene{{Index: 1, Text: "hi", ImageKey: "k"}},
		})
	}
	return m
}

func books(ids ...string) []jobs.BookRef {
	out := make([]jobs.BookRef, len(ids))
	for i, id := range ids {
		out[i] = jobs.BookRef{GenerationID: "gen-" + id, ConfigID: id}
	}
	return out
}

func printJob(woo string, ids ...string) (*interfaces.Job, *jobs.PrintGenerationPayload) {
	return &interfaces.Job{ID: "job-1", Type: interfaces.TypePrintGeneration},
		&jobs.PrintGenerationPayload{WoocommerceOrderID: woo, Books: books(ids...)}
}

func TestHandlePrintPartialBatch(t *testing.T) {
	t.Parallel()
	objects := objectstore.NewMemory()
	renderer := &stubRenderer{t: t, fail: map[string]error{
		"B": &render.ServiceError{Op: "progress", WorkID: "w-b", Message: "font missing"},
	}}
	p := New(newContent("A", "B", "C"), stubBundler{}, renderer, objects)

	job, payload := printJob("5012", "A", "B", "C")
	outcome, err := p.HandlePrint(context.Background(), job, payload)
	if err != nil {
		t.Fatalf("HandlePrint() error = %v", err)
	}

	res := outcome.Result.(*Result)
	if !res.Success {
		t.Error("Success = false for a partial batch")
	}
	if len(res.Books) != 2 || res.Books[0].ConfigID != "A" || res.Books[1].ConfigID != "C" {
		t.Fatalf("books = %+v, want A and C", res.Books)
	}
	if len(res.FailedBooks) != 1 || res.FailedBooks[0].ConfigID != "B" {
		t.Fatalf("failed books = %+v, want B", res.FailedBooks)
	}
	if !strings.Contains(res.Error, "B") || !strings.Contains(res.Error, "font missing") {
		t.Errorf("result error = %q, want it to name book B and the cause", res.Error)
	}
	if outcome.Warning != res.Error {
		t.Errorf("warning = %q, want the partial batch error", outcome.Warning)
	}

	if res.ArchiveKey != "print/5012/job-1.zip" {
		t.Errorf("archive key = %q", res.ArchiveKey)
	}
	obj, err := objects.Get(context.Background(), res.ArchiveKey)
	if err != nil {
		t.Fatalf("combined archive not stored: %v", err)
	}
	files := unzip(t, obj.Data)
	if files["A/book.pdf"] != "bundle:gen-A" || files["C/book.pdf"] != "bundle:gen-C" || len(files) != 2 {
		t.Errorf("combined archive = %v", files)
	}
	if fmt.Sprint(res.Books[0].Files) != "[A/book.pdf]" {
		t.Errorf("book files = %v, want combined paths", res.Books[0].Files)
	}

	// books run in order
	if fmt.Sprint(renderer.labels) != "[A B C]" {
		t.Errorf("render order = %v", renderer.labels)
	}
}

func TestHandlePrintSingleBookAtRoot(t *testing.T) {
	t.Parallel()
	objects := objectstore.NewMemory()
	p := New(newContent("A"), stubBundler{}, &stubRenderer{t: t}, objects)

	job, payload := printJob("77", "A")
	outcome, err := p.HandlePrint(context.Background(), job, payload)
	if err != nil {
		t.Fatalf("HandlePrint() error = %v", err)
	}
	if outcome.Warning != "" {
		t.Errorf("warning = %q, want none", outcome.Warning)
	}

	obj, err := objects.Get(context.Background(), "print/77/job-1.zip")
	if err != nil {
		t.Fatalf("archive not stored: %v", err)
	}
	if obj.ContentType != "application/zip" {
		t.Errorf("content type = %q", obj.ContentType)
	}
	if files := unzip(t, obj.Data); files["book.pdf"] != "bundle:gen-A" {
		t.Errorf("single book archive = %v, want book.pdf at the root", files)
	}
}

func TestHandlePrintAllBooksFail(t *testing.T) {
	t.Parallel()

	timeout := &render.TimeoutError{WorkID: "w", After: time.Minute}
	transient := jobs.Transient(errors.New("connection reset"))

	tests := []struct {
		name          string
		fail          map[string]error
		wantTransient bool
		check         func(t *testing.T, err error)
	}{
		{
			name: "timeouts are terminal",
			fail: map[string]error{"A": timeout, "B": timeout},
			check: func(t *testing.T, err error) {
				if !render.IsTimeout(err) {
					t.Errorf("error = %v, want the TimeoutError to stay visible", err)
				}
			},
		},
		{
			name:          "all transient retries",
			fail:          map[string]error{"A": transient, "B": transient},
			wantTransient: true,
		},
		{
			name: "mixed is terminal",
			fail: map[string]error{"A": transient, "B": &render.ServiceError{Op: "submit", StatusCode: 400}},
			check: func(t *testing.T, err error) {
				if !render.IsServiceError(err) {
					t.Errorf("error = %v, want the ServiceError to stay visible", err)
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			objects := objectstore.NewMemory()
			p := New(newContent("A", "B"), stubBundler{}, &stubRenderer{t: t, fail: tt.fail}, objects)

			job, payload := printJob("1", "A", "B")
			_, err := p.HandlePrint(context.Background(), job, payload)

			var batch *BatchError
			if !errors.As(err, &batch) {
				t.Fatalf("HandlePrint() error = %v, want BatchError", err)
			}
			if len(batch.Failed) != 2 {
				t.Errorf("failed books = %d, want 2", len(batch.Failed))
			}
			if got := jobs.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.wantTransient)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
			if len(objects.Keys()) != 0 {
				t.Errorf("objects stored for a failed batch: %v", objects.Keys())
			}
		})
	}
}

func TestHandlePrintMissingGeneration(t *testing.T) {
	t.Parallel()
	p := New(newContent(), stubBundler{}, &stubRenderer{t: t}, objectstore.NewMemory())

	job, payload := printJob("1", "A")
	_, err := p.HandlePrint(context.Background(), job, payload)
	if !errors.Is(err, content.ErrGenerationNotFound) {
		t.Fatalf("HandlePrint() error = %v, want ErrGenerationNotFound", err)
	}
	if jobs.IsTransient(err) {
		t.Error("a missing generation must not be retried")
	}
}

func TestHandlePreviewStoresPreviewPDF(t *testing.T) {
	t.Parallel()
	objects := objectstore.NewMemory()
	renderer := &stubRenderer{t: t}
	p := New(newContent("A", "B"), stubBundler{}, renderer, objects)

	job := &interfaces.Job{ID: "job-9", Type: interfaces.TypePreviewGeneration}
	payload := &jobs.PreviewGenerationPayload{OrderID: "ord_3", Books: books("A", "B")}

	outcome, err := p.HandlePreview(context.Background(), job, payload)
	if err != nil {
		t.Fatalf("HandlePreview() error = %v", err)
	}
	res := outcome.Result.(*Result)
	if res.ArchiveKey != "preview/ord_3/job-9.zip" {
		t.Errorf("archive key = %q", res.ArchiveKey)
	}
	if res.Books[1].PreviewKey != "preview/ord_3/job-9/B/preview.pdf" {
		t.Errorf("preview key = %q", res.Books[1].PreviewKey)
	}
	obj, err := objects.Get(context.Background(), res.Books[1].PreviewKey)
	if err != nil || string(obj.Data) != "preview of B" || obj.ContentType != "application/pdf" {
		t.Errorf("stored preview = %+v, %v", obj, err)
	}
	for _, m := range renderer.modes {
		if m != render.ModePreview {
			t.Errorf("render mode = %s, want preview", m)
		}
	}
}
