package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mtr002/render-queue/internal/content"
)

var _ content.Store = (*ContentStore)(nil)

// ContentStore reads generation content and records scene images
type ContentStore struct {
	db *sql.DB
}

// NewContentStore creates a content store over db
func NewContentStore(db *sql.DB) *ContentStore {
	return &ContentStore{db: db}
}

// Generation loads a generation with its scenes in order and the selected
// image of each scene.
func (c *ContentStore) Generation(ctx context.Context, id string) (*content.Generation, error) {
	g := &content.Generation{ID: id}
	err := c.db.QueryRowContext(ctx, `
		SELECT title, short_description, ending_line, finalized
		FROM generations WHERE id = $1`, id).
		Scan(&g.Title, &g.ShortDescription, &g.EndingLine, &g.Finalized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("generation %s: %w", id, content.ErrGenerationNotFound)
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT s.scene_index, s.text, s.image_prompt,
			COALESCE(i.object_key, ''), COALESCE(i.content_type, '')
		FROM generation_scenes s
		LEFT JOIN scene_images i
			ON i.generation_id = s.generation_id AND i.scene_index = s.scene_index AND i.selected
		WHERE s.generation_id = $1
		ORDER BY s.scene_index ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s content.Scene
		if err := rows.Scan(&s.Index, &s.Text, &s.ImagePrompt, &s.ImageKey, &s.ImageContentType); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		g.Scenes = append(g.Scenes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenes: %w", err)
	}

	return g, nil
}

// SaveSceneImage stores key as the selected image of a scene, deselecting
// the previous one.
func (c *ContentStore) SaveSceneImage(ctx context.Context, generationID string, sceneIndex int, key, contentType string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE scene_images SET selected = FALSE
		WHERE generation_id = $1 AND scene_index = $2 AND selected`,
		generationID, sceneIndex); err != nil {
		return fmt.Errorf("failed to deselect scene image: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scene_images (generation_id, scene_index, object_key, content_type, selected)
		VALUES ($1, $2, $3, $4, TRUE)`,
		generationID, sceneIndex, key, contentType); err != nil {
		return fmt.Errorf("failed to insert scene image: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
