// Package pipeline implements the PRINT_GENERATION and PREVIEW_GENERATION
// handlers: bundle each book, render it, and combine the outputs.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/mtr002/render-queue/internal/bundle"
	"github.com/mtr002/render-queue/internal/content"
	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/objectstore"
	"github.com/mtr002/render-queue/internal/render"
)

const (
	archiveContentType = "application/zip"
	pdfContentType     = "application/pdf"
	previewFile        = "preview.pdf"
)

// Renderer runs one bundle through the render service and returns its output archive.
type Renderer interface {
	Render(ctx context.Context, archive []byte, mode render.Mode, label string, onProgress func(render.Progress)) ([]byte, error)
}

// Bundler builds the archive for one generation.
type Bundler interface {
	Build(ctx context.Context, g *content.Generation) (*bundle.Bundle, error)
}

// BookResult describes one rendered book.
type BookResult struct {
	ConfigID      string   `json:"configId"`
	GenerationID  string   `json:"generationId"`
	Files         []string `json:"files"`
	MissingScenes []int    `json:"missingScenes,omitempty"`
	PreviewKey    string   `json:"previewKey,omitempty"`
}

// FailedBook names a book that could not be rendered.
type FailedBook struct {
	ConfigID     string `json:"configId"`
	GenerationID string `json:"generationId"`
	Error        string `json:"error"`
}

// Result is stored as the job result.
type Result struct {
	Success     bool         `json:"success"`
	Books       []BookResult `json:"books"`
	FailedBooks []FailedBook `json:"failedBooks,omitempty"`
	ArchiveKey  string       `json:"archiveKey"`
	Error       string       `json:"error,omitempty"`
}

// Pipeline renders the books of an order.
type Pipeline struct {
	content  content.Source
	bundles  Bundler
	renderer Renderer
	objects  objectstore.Store
}

func New(source content.Source, bundles Bundler, renderer Renderer, objects objectstore.Store) *Pipeline {
	return &Pipeline{content: source, bundles: bundles, renderer: renderer, objects: objects}
}

// HandlePrint renders print-ready PDFs for every book of the order.
func (p *Pipeline) HandlePrint(ctx context.Context, job *interfaces.Job, payload *jobs.PrintGenerationPayload) (*jobs.Outcome, error) {
	prefix := fmt.Sprintf("print/%s/%s", payload.WoocommerceOrderID, job.ID)
	return p.run(ctx, job, payload.Books, render.ModePrint, prefix)
}

// HandlePreview renders low-resolution previews for every book of the order.
func (p *Pipeline) HandlePreview(ctx context.Context, job *interfaces.Job, payload *jobs.PreviewGenerationPayload) (*jobs.Outcome, error) {
	prefix := fmt.Sprintf("preview/%s/%s", payload.OrderID, job.ID)
	return p.run(ctx, job, payload.Books, render.ModePreview, prefix)
}

func (p *Pipeline) run(ctx context.Context, job *interfaces.Job, books []jobs.BookRef, mode render.Mode, prefix string) (*jobs.Outcome, error) {
	log := logger.WithJobID(job.ID)

	var (
		outputs  []BookOutput
		results  []BookResult
		failures []FailedBook
		bookErrs []error
	)

	// Books run one after another; concurrency lives across jobs.
	for i, book := range books {
		log.Info().
			Str("config_id", book.ConfigID).
			Str("generation_id", book.GenerationID).
			Int("book", i+1).
			Int("books", len(books)).
			Str("mode", string(mode)).
			Msg("Rendering book")

		res, out, err := p.renderBook(ctx, book, mode, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Error().Err(err).Str("config_id", book.ConfigID).Msg("Book failed")
			failures = append(failures, FailedBook{ConfigID: book.ConfigID, GenerationID: book.GenerationID, Error: err.Error()})
			bookErrs = append(bookErrs, err)
			continue
		}
		outputs = append(outputs, *out)
		results = append(results, *res)
	}

	if len(outputs) == 0 {
		return nil, &BatchError{Total: len(books), Failed: failures, errs: bookErrs}
	}

	archive, names, err := Combine(outputs)
	if err != nil {
		return nil, fmt.Errorf("failed to combine book archives: %w", err)
	}

	// file lists follow the combined layout
	if len(outputs) > 1 {
		for i := range results {
			for j, f := range results[i].Files {
				results[i].Files[j] = results[i].ConfigID + "/" + f
			}
		}
	}

	key := prefix + ".zip"
	if err := p.objects.Put(ctx, key, archive, archiveContentType); err != nil {
		return nil, jobs.Transient(fmt.Errorf("failed to store combined archive: %w", err))
	}

	result := &Result{Success: true, Books: results, FailedBooks: failures, ArchiveKey: key}
	outcome := &jobs.Outcome{Result: result}
	if len(failures) > 0 {
		partial := &PartialBatchError{Total: len(books), Failed: failures}
		result.Error = partial.Error()
		outcome.Warning = partial.Error()
	}

	log.Info().
		Int("books", len(results)).
		Int("failed", len(failures)).
		Int("files", len(names)).
		Str("archive_key", key).
		Msg("Render pipeline finished")
	return outcome, nil
}

func (p *Pipeline) renderBook(ctx context.Context, book jobs.BookRef, mode render.Mode, prefix string) (*BookResult, *BookOutput, error) {
	g, err := p.content.Generation(ctx, book.GenerationID)
	if err != nil {
		if errors.Is(err, content.ErrGenerationNotFound) {
			return nil, nil, err
		}
		return nil, nil, jobs.Transient(fmt.Errorf("failed to load generation: %w", err))
	}

	b, err := p.bundles.Build(ctx, g)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build bundle: %w", err)
	}

	started := time.Now()
	onProgress := func(pr render.Progress) {
		logger.Logger.Debug().
			Str("config_id", book.ConfigID).
			Str("stage", pr.Stage).
			Float64("percent", pr.Percent).
			Str("message", pr.Message).
			Msg("Render progress")
	}
	out, err := p.renderer.Render(ctx, b.Archive, mode, book.ConfigID, onProgress)
	if err != nil {
		return nil, nil, err
	}
	logger.Logger.Info().
		Str("config_id", book.ConfigID).
		Dur("elapsed", time.Since(started)).
		Msg("Book rendered")

	files, err := listFiles(out)
	if err != nil {
		return nil, nil, &render.ServiceError{Op: "download", Message: "invalid output archive: " + err.Error()}
	}

	res := &BookResult{
		ConfigID:      book.ConfigID,
		GenerationID:  book.GenerationID,
		Files:         files,
		MissingScenes: b.Missing,
	}

	if mode == render.ModePreview {
		pdf, ok, err := extract(out, previewFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read preview: %w", err)
		}
		if ok {
			key := fmt.Sprintf("%s/%s/%s", prefix, book.ConfigID, previewFile)
			if err := p.objects.Put(ctx, key, pdf, pdfContentType); err != nil {
				return nil, nil, jobs.Transient(fmt.Errorf("failed to store preview: %w", err))
			}
			res.PreviewKey = key
		}
	}

	return res, &BookOutput{ConfigID: book.ConfigID, Archive: out}, nil
}

func listFiles(archive []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := entryName("", f.Name)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func allTransient(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !jobs.IsTransient(err) {
			return false
		}
	}
	return true
}

// PartialBatchError lists the books that failed while others succeeded. The
// job still completes.
type PartialBatchError struct {
	Total  int
	Failed []FailedBook
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("%d of %d books failed: %s", len(e.Failed), e.Total, describe(e.Failed))
}

// BatchError means no book of the order could be rendered.
type BatchError struct {
	Total  int
	Failed []FailedBook
	errs   []error
}

func (e *BatchError) Error() string {
	if e.Total == 1 && len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	return fmt.Sprintf("all %d books failed: %s", e.Total, describe(e.Failed))
}

// Unwrap exposes the per-book errors so timeouts and render errors stay
// distinguishable with errors.As.
func (e *BatchError) Unwrap() []error { return e.errs }

// Transient reports whether every book failed transiently. One terminal
// failure makes the whole batch terminal.
func (e *BatchError) Transient() bool { return allTransient(e.errs) }

func describe(failed []FailedBook) string {
	parts := make([]string, len(failed))
	for i, f := range failed {
		parts[i] = fmt.Sprintf("%s: %s", f.ConfigID, f.Error)
	}
	return strings.Join(parts, "; ")
}
