package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/mtr002/render-queue/internal/content"
	"github.com/mtr002/render-queue/internal/objectstore"
)

func generation(n int) *content.Generation {
	g := &content.Generation{ID: "gen-1", Title: "Mia's Big Day", EndingLine: "The end.", Finalized: true}
	for i := 1; i <= n; i++ {
		g.Scenes = append(g.Scenes, content.Scene{
			Index:    i,
			Text:     fmt.Sprintf("page %d", i),
			ImageKey: fmt.Sprintf("img/%d.png", i),
		})
	}
	return g
}

func seed(t *testing.T, store *objectstore.Memory, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if err := store.Put(context.Background(), k, []byte("png:"+k), "image/png"); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
}

func readArchive(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = data
	}
	return files
}

func TestBuildToleratesMissingImage(t *testing.T) {
	t.Parallel()
	store := objectstore.NewMemory()
	seed(t, store, "img/1.png", "img/3.png")

	b, err := NewBuilder(store, 2).Build(context.Background(), generation(3))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if fmt.Sprint(b.Missing) != "[2]" {
		t.Errorf("Missing = %v, want [2]", b.Missing)
	}

	files := readArchive(t, b.Archive)
	if len(files) != 3 {
		t.Fatalf("archive has %d entries, want manifest and 2 images", len(files))
	}
	if string(files["images/scene-001.png"]) != "png:img/1.png" {
		t.Errorf("scene 1 image = %q", files["images/scene-001.png"])
	}
	if _, ok := files["images/scene-002.png"]; ok {
		t.Error("missing image should not be in the archive")
	}

	var m Manifest
	if err := json.Unmarshal(files[ManifestName], &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(m.Scenes) != 3 {
		t.Fatalf("manifest scenes = %d, want all 3 pages", len(m.Scenes))
	}
	if m.Scenes[1].Image != "" || m.Scenes[2].Image != "images/scene-003.png" {
		t.Errorf("manifest images = %q %q", m.Scenes[1].Image, m.Scenes[2].Image)
	}
	if m.Title != "Mia's Big Day" || m.EndingLine != "The end." {
		t.Errorf("manifest metadata = %+v", m)
	}
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		g    *content.Generation
		want error
	}{
		{"no scenes", generation(0), ErrNoScenes},
		{"no fetchable image", generation(2), ErrNoImages},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewBuilder(objectstore.NewMemory(), 0).Build(context.Background(), tt.g)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// slowStore records the peak number of concurrent Gets.
type slowStore struct {
	*objectstore.Memory
	mu       sync.Mutex
	inflight int
	peak     int
}

func (s *slowStore) Get(ctx context.Context, key string) (*objectstore.Object, error) {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.peak {
		s.peak = s.inflight
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	return s.Memory.Get(ctx, key)
}

func TestBuildBoundsConcurrency(t *testing.T) {
	t.Parallel()
	store := &slowStore{Memory: objectstore.NewMemory()}
	g := generation(12)
	for _, s := range g.Scenes {
		seed(t, store.Memory, s.ImageKey)
	}

	b, err := NewBuilder(store, 3).Build(context.Background(), g)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(b.Missing) != 0 {
		t.Fatalf("Missing = %v", b.Missing)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.peak > 3 {
		t.Errorf("peak concurrent fetches = %d, want at most 3", store.peak)
	}
}

func TestExtension(t *testing.T) {
	t.Parallel()
	tests := []struct{ contentType, key, want string }{
		{"image/jpeg", "a.bin", ".jpg"},
		{"image/webp", "a", ".webp"},
		{"", "a/b.jpeg", ".jpeg"},
		{"", "a/b", ".png"},
	}
	for _, tt := range tests {
		if got := extension(tt.contentType, tt.key); got != tt.want {
			t.Errorf("extension(%q, %q) = %q, want %q", tt.contentType, tt.key, got, tt.want)
		}
	}
}
