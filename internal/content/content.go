// Package content describes the finalized text and selected images of a
// generation, as written by the storefront application.
package content

import (
	"context"
	"errors"
	"fmt"
)

var ErrGenerationNotFound = errors.New("generation not found")

// Scene is one page of a book: its text, the prompt its image was made from,
// and the currently selected image.
type Scene struct {
	Index            int
	Text             string
	ImagePrompt      string
	ImageKey         string
	ImageContentType string
}

// Generation is the content of one personalized book.
type Generation struct {
	ID               string
	Title            string
	ShortDescription string
	EndingLine       string
	Finalized        bool
	Scenes           []Scene
}

// Source reads generation content.
type Source interface {
	Generation(ctx context.Context, id string) (*Generation, error)
}

// Sink records newly generated scene images.
type Sink interface {
	SaveSceneImage(ctx context.Context, generationID string, sceneIndex int, key, contentType string) error
}

// Store is a Source that can also record images.
type Store interface {
	Source
	Sink
}

// CheckRenderable reports why g cannot be rendered yet, or nil.
func CheckRenderable(g *Generation) error {
	if !g.Finalized {
		return fmt.Errorf("generation %s is not finalized", g.ID)
	}
	if len(g.Scenes) == 0 {
		return fmt.Errorf("generation %s has no scenes", g.ID)
	}
	for _, s := range g.Scenes {
		if s.ImageKey == "" {
			return fmt.Errorf("generation %s scene %d has no selected image", g.ID, s.Index)
		}
	}
	return nil
}
