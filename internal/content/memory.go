package content

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store for development and tests.
type Memory struct {
	mu          sync.Mutex
	generations map[string]*Generation
}

func NewMemory() *Memory {
	return &Memory{generations: make(map[string]*Generation)}
}

// Put adds or replaces a generation.
func (m *Memory) Put(g *Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations[g.ID] = cloneGeneration(g)
}

func (m *Memory) Generation(_ context.Context, id string) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.generations[id]
	if !ok {
		return nil, fmt.Errorf("generation %s: %w", id, ErrGenerationNotFound)
	}
	return cloneGeneration(g), nil
}

func (m *Memory) SaveSceneImage(_ context.Context, generationID string, sceneIndex int, key, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.generations[generationID]
	if !ok {
		return fmt.Errorf("generation %s: %w", generationID, ErrGenerationNotFound)
	}
	for i := range g.Scenes {
		if g.Scenes[i].Index == sceneIndex {
			g.Scenes[i].ImageKey = key
			g.Scenes[i].ImageContentType = contentType
			return nil
		}
	}
	return fmt.Errorf("generation %s has no scene %d", generationID, sceneIndex)
}

func cloneGeneration(g *Generation) *Generation {
	cp := *g
	cp.Scenes = append([]Scene(nil), g.Scenes...)
	return &cp
}
