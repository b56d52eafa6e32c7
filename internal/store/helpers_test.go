package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostEmbedding returns the stored vector for a post, or nil when unset.
func (s *SQLStore) PostEmbedding(ctx context.Context, postID int64) ([]float32, error) {
	var raw sql.NullString
	err := s.db.GetContext(ctx, &raw, s.db.Rebind("SELECT embedding FROM posts WHERE id = ?"), postID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding %d: %w", postID, err)
	}
	if !raw.Valid {
		return nil, nil
	}
	return decodeVector(raw.String)
}

func (s *SQLStore) Snapshots(ctx context.Context, postID int64) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps, s.db.Rebind(`
		SELECT id, post_id, captured_at, likes, comments, reposts
		FROM engagement_snapshots
		WHERE post_id = ?
		ORDER BY captured_at, id
	`), postID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %d: %w", postID, err)
	}
	return snaps, nil
}

func decodeVector(raw string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}
