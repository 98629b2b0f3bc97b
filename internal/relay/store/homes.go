package store

import (
	"context"
	"time"
)

// UpsertHome records or refreshes a home-to-owner binding reported by an
// agent. The binding lets scoped mounts resolve a home prefix without a
// token.
func (s *Store) UpsertHome(ctx context.Context, homeID, name, userID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO homes (home_id, name, user_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (home_id) DO UPDATE SET
			name = excluded.name,
			user_id = excluded.user_id,
			updated_at = excluded.updated_at`,
		homeID, name, userID, time.Now().UTC())
	return err
}

// GetHomeByPrefix resolves an 8-hex home prefix to the full binding.
func (s *Store) GetHomeByPrefix(ctx context.Context, prefix string) (Home, error) {
	var h Home
	err := s.queryRow(ctx, `
		SELECT home_id, name, user_id, updated_at
		FROM homes WHERE home_id LIKE ? || '%' LIMIT 1`, prefix).
		Scan(&h.HomeID, &h.Name, &h.UserID, &h.UpdatedAt)
	return h, err
}

// ListHomesByUser returns all homes owned by a user.
func (s *Store) ListHomesByUser(ctx context.Context, userID string) ([]Home, error) {
	rows, err := s.query(ctx, `
		SELECT home_id, name, user_id, updated_at
		FROM homes WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var homes []Home
	for rows.Next() {
		var h Home
		if err := rows.Scan(&h.HomeID, &h.Name, &h.UserID, &h.UpdatedAt); err != nil {
			return nil, err
		}
		homes = append(homes, h)
	}
	return homes, rows.Err()
}
