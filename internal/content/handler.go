package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/mtr002/render-queue/internal/generation"
	"github.com/mtr002/render-queue/internal/interfaces"
	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/objectstore"
)

// GeneratedImage is one stored scene image.
type GeneratedImage struct {
	SceneIndex  int    `json:"sceneIndex"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// GenerationResult is stored as the CONTENT_GENERATION job result.
type GenerationResult struct {
	GenerationID string           `json:"generationId"`
	Images       []GeneratedImage `json:"images"`
}

// Handler generates and stores an image for every scene of a generation.
type Handler struct {
	store   Store
	backend generation.Backend
	objects objectstore.Store
	http    *http.Client
}

func NewHandler(store Store, backend generation.Backend, objects objectstore.Store, httpClient *http.Client) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handler{store: store, backend: backend, objects: objects, http: httpClient}
}

// HandleContent runs a CONTENT_GENERATION job.
func (h *Handler) HandleContent(ctx context.Context, job *interfaces.Job, p *jobs.ContentGenerationPayload) (*jobs.Outcome, error) {
	g, err := h.store.Generation(ctx, p.GenerationID)
	if err != nil {
		if errors.Is(err, ErrGenerationNotFound) {
			return nil, err
		}
		return nil, jobs.Transient(fmt.Errorf("failed to load generation: %w", err))
	}
	if len(g.Scenes) == 0 {
		return nil, fmt.Errorf("generation %s has no scenes", g.ID)
	}

	log := logger.WithJobID(job.ID)
	result := &GenerationResult{GenerationID: g.ID}

	for _, scene := range g.Scenes {
		if scene.ImagePrompt == "" {
			return nil, fmt.Errorf("generation %s scene %d has no image prompt", g.ID, scene.Index)
		}

		out, err := h.backend.Generate(ctx, generation.Request{Prompt: scene.ImagePrompt, ModelID: p.ModelID})
		if err != nil {
			return nil, classify(fmt.Errorf("scene %d: %w", scene.Index, err))
		}

		data := out.Data
		if len(data) == 0 {
			if data, err = h.fetch(ctx, out.URL); err != nil {
				return nil, jobs.Transient(fmt.Errorf("scene %d: %w", scene.Index, err))
			}
		}

		key := fmt.Sprintf("generations/%s/scene-%03d%s", g.ID, scene.Index, extensionFor(out.ContentType))
		if err := h.objects.Put(ctx, key, data, out.ContentType); err != nil {
			return nil, jobs.Transient(fmt.Errorf("failed to store scene %d image: %w", scene.Index, err))
		}
		if err := h.store.SaveSceneImage(ctx, g.ID, scene.Index, key, out.ContentType); err != nil {
			return nil, jobs.Transient(fmt.Errorf("failed to record scene %d image: %w", scene.Index, err))
		}

		log.Debug().Int("scene", scene.Index).Str("key", key).Msg("Scene image generated")
		result.Images = append(result.Images, GeneratedImage{SceneIndex: scene.Index, Key: key, ContentType: out.ContentType})
	}

	return &jobs.Outcome{Result: result}, nil
}

func (h *Handler) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// classify marks backend errors that may pass on a later attempt.
func classify(err error) error {
	var status *generation.StatusError
	if errors.As(err, &status) {
		if status.Retryable() {
			return jobs.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return jobs.Transient(err)
	}
	return err
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
