package store

import (
	"context"
	"fmt"

	"github.com/roach88/wellsync/internal/conflict"
)

// Push stores an escalated case for human review. Pushing a case ID twice
// keeps the first copy.
func (s *Store) Push(ctx context.Context, c *conflict.Case) error {
	body, err := marshalCase(c)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO review_cases (id, record_id, entity_type, level, reason, body, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, c.ID, c.RecordID, string(c.EntityType), int(c.Level), c.Reason, body, formatTime(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("write review case %s: %w", c.ID, err)
	}
	return nil
}

// List returns review cases ordered by detection time, then ID.
func (s *Store) List(ctx context.Context) ([]*conflict.Case, error) {
	rows, err := s.query(ctx, `
		SELECT body FROM review_cases
		ORDER BY detected_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read review cases: %w", err)
	}
	defer rows.Close()

	var out []*conflict.Case
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan review case: %w", err)
		}
		c, err := unmarshalCase(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
