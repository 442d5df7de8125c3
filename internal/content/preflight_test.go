package content

import (
	"context"
	"errors"
	"testing"

	"github.com/mtr002/render-queue/internal/jobs"
)

func TestPreflight(t *testing.T) {
	t.Parallel()

	ready := testGeneration("ready")
	for i := range ready.Scenes {
		ready.Scenes[i].ImageKey = "generations/ready/scene.png"
	}
	draft := testGeneration("draft")
	draft.Finalized = false
	noImage := testGeneration("no-image")
	noImage.Scenes[0].ImageKey = "generations/no-image/scene-001.png"

	src := NewMemory()
	src.Put(ready)
	src.Put(draft)
	src.Put(noImage)
	pf := NewPreflight(src)

	books := func(ids ...string) []jobs.BookRef {
		refs := make([]jobs.BookRef, len(ids))
		for i, id := range ids {
			refs[i] = jobs.BookRef{GenerationID: id, ConfigID: "cfg-" + id}
		}
		return refs
	}

	tests := []struct {
		name      string
		payload   jobs.Payload
		wantField string
	}{
		{"print ready", &jobs.PrintGenerationPayload{WoocommerceOrderID: "1", Books: books("ready")}, ""},
		{"preview ready", &jobs.PreviewGenerationPayload{OrderID: "o", Books: books("ready")}, ""},
		{"content for draft", &jobs.ContentGenerationPayload{GenerationID: "draft"}, ""},
		{"unknown book", &jobs.PrintGenerationPayload{WoocommerceOrderID: "1", Books: books("ready", "missing")}, "books[1]"},
		{"not finalized", &jobs.PreviewGenerationPayload{OrderID: "o", Books: books("draft")}, "books[0]"},
		{"scene without image", &jobs.PrintGenerationPayload{WoocommerceOrderID: "1", Books: books("no-image")}, "books[0]"},
		{"unknown content generation", &jobs.ContentGenerationPayload{GenerationID: "missing"}, "generationId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pf.Check(context.Background(), tt.payload)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Check() error = %v", err)
				}
				return
			}
			var verr *jobs.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Check() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}
