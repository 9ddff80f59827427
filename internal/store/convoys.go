package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Convoy is a named batch of tasks created together, e.g. by a decomposition
// run. Purely organizational: no state machine.
type Convoy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateConvoy inserts a convoy, generating an id when empty.
func (s *Store) CreateConvoy(ctx context.Context, c *Convoy) (string, error) {
	if c.ID == "" {
		c.ID = "cv-" + uuid.NewString()[:8]
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO convoys (id, name, created_at) VALUES (?, ?, ?);
	`, c.ID, c.Name, c.CreatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("create convoy: %w", err)
	}
	return c.ID, nil
}

// GetConvoy returns the convoy or ErrNotFound.
func (s *Store) GetConvoy(ctx context.Context, id string) (*Convoy, error) {
	var c Convoy
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM convoys WHERE id = ?;
	`, id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("convoy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get convoy %s: %w", id, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// ListConvoys returns all convoys in creation order.
func (s *Store) ListConvoys(ctx context.Context) ([]Convoy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM convoys ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list convoys: %w", err)
	}
	defer rows.Close()

	var out []Convoy
	for rows.Next() {
		var c Convoy
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan convoy: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convoy rows: %w", err)
	}
	return out, nil
}
