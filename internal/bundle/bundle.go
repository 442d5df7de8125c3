// Package bundle turns a generation's content into the archive submitted to
// the render service: manifest.json plus one image per scene.
package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/mtr002/render-queue/internal/content"
	"github.com/mtr002/render-queue/internal/logger"
	"github.com/mtr002/render-queue/internal/metrics"
	"github.com/mtr002/render-queue/internal/objectstore"
)

const (
	ManifestName = "manifest.json"
	imagesDir    = "images"

	DefaultConcurrency = 8
)

var (
	ErrNoScenes = errors.New("generation has no scenes")
	ErrNoImages = errors.New("no scene image could be fetched")
)

// Manifest describes the book to the renderer.
type Manifest struct {
	GenerationID     string          `json:"generationId"`
	Title            string          `json:"title"`
	ShortDescription string          `json:"shortDescription"`
	EndingLine       string          `json:"endingLine"`
	Scenes           []ManifestScene `json:"scenes"`
}

// ManifestScene is one page. Image is empty when the image was omitted.
type ManifestScene struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Bundle is a built archive.
type Bundle struct {
	Manifest Manifest
	Archive  []byte
	// Missing lists scene indexes whose image could not be fetched.
	Missing []int
}

// Builder fetches scene images from the object store with bounded concurrency.
type Builder struct {
	objects     objectstore.Store
	concurrency int
}

func NewBuilder(objects objectstore.Store, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Builder{objects: objects, concurrency: concurrency}
}

type fetched struct {
	name string
	data []byte
}

// Build assembles the archive for g. A scene whose image fails to download is
// kept in the manifest without an image; only a generation with no scenes, or
// with no fetchable image at all, fails the build.
func (b *Builder) Build(ctx context.Context, g *content.Generation) (*Bundle, error) {
	if len(g.Scenes) == 0 {
		return nil, fmt.Errorf("generation %s: %w", g.ID, ErrNoScenes)
	}

	scenes := append([]content.Scene(nil), g.Scenes...)
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].Index < scenes[j].Index })

	var (
		mu      sync.Mutex
		images  = make(map[int]fetched, len(scenes))
		missing []int
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(b.concurrency)

	for _, s := range scenes {
		s := s
		if s.ImageKey == "" {
			mu.Lock()
			missing = append(missing, s.Index)
			mu.Unlock()
			continue
		}
		group.Go(func() error {
			obj, err := b.objects.Get(gctx, s.ImageKey)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.BundleImagesMissingTotal.Inc()
				logger.Logger.Warn().
					Err(err).
					Str("generation_id", g.ID).
					Int("scene", s.Index).
					Str("key", s.ImageKey).
					Msg("Scene image fetch failed, omitting from bundle")
				missing = append(missing, s.Index)
				return nil
			}
			contentType := obj.ContentType
			if contentType == "" {
				contentType = s.ImageContentType
			}
			images[s.Index] = fetched{
				name: path.Join(imagesDir, fmt.Sprintf("scene-%03d%s", s.Index, extension(contentType, s.ImageKey))),
				data: obj.Data,
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("generation %s: %w", g.ID, ErrNoImages)
	}
	sort.Ints(missing)

	manifest := Manifest{
		GenerationID:     g.ID,
		Title:            g.Title,
		ShortDescription: g.ShortDescription,
		EndingLine:       g.EndingLine,
		Scenes:           make([]ManifestScene, 0, len(scenes)),
	}
	for _, s := range scenes {
		ms := ManifestScene{Index: s.Index, Text: s.Text}
		if img, ok := images[s.Index]; ok {
			ms.Image = img.name
		}
		manifest.Scenes = append(manifest.Scenes, ms)
	}

	archive, err := writeArchive(manifest, scenes, images)
	if err != nil {
		return nil, err
	}

	return &Bundle{Manifest: manifest, Archive: archive, Missing: missing}, nil
}

func writeArchive(m Manifest, scenes []content.Scene, images map[int]fetched) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mf, err := zw.Create(ManifestName)
	if err != nil {
		return nil, fmt.Errorf("failed to add manifest: %w", err)
	}
	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	for _, s := range scenes {
		img, ok := images[s.Index]
		if !ok {
			continue
		}
		// images are already compressed
		w, err := zw.CreateHeader(&zip.FileHeader{Name: img.name, Method: zip.Store})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", img.name, err)
		}
		if _, err := w.Write(img.data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", img.name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

func extension(contentType, key string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if ext := path.Ext(key); ext != "" {
		return ext
	}
	return ".png"
}
