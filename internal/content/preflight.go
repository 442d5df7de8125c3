package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtr002/render-queue/internal/jobs"
)

// Preflight rejects render jobs whose books are not ready to render.
type Preflight struct {
	source Source
}

var _ jobs.Preflight = (*Preflight)(nil)

func NewPreflight(source Source) *Preflight {
	return &Preflight{source: source}
}

func (pf *Preflight) Check(ctx context.Context, p jobs.Payload) error {
	var books []jobs.BookRef
	switch v := p.(type) {
	case *jobs.PrintGenerationPayload:
		books = v.Books
	case *jobs.PreviewGenerationPayload:
		books = v.Books
	case *jobs.ContentGenerationPayload:
		if _, err := pf.source.Generation(ctx, v.GenerationID); err != nil {
			if errors.Is(err, ErrGenerationNotFound) {
				return &jobs.ValidationError{Field: "generationId", Reason: err.Error()}
			}
			return fmt.Errorf("failed to check generation: %w", err)
		}
		return nil
	default:
		return nil
	}

	for i, b := range books {
		g, err := pf.source.Generation(ctx, b.GenerationID)
		if err != nil {
			if errors.Is(err, ErrGenerationNotFound) {
				return &jobs.ValidationError{Field: fmt.Sprintf("books[%d]", i), Reason: err.Error()}
			}
			return fmt.Errorf("failed to check generation %s: %w", b.GenerationID, err)
		}
		if err := CheckRenderable(g); err != nil {
			return &jobs.ValidationError{Field: fmt.Sprintf("books[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}
