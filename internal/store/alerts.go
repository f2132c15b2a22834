package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/wellsync/internal/engine"
	"github.com/roach88/wellsync/internal/model"
)

// RecordAlert stores a. Re-recording an alert ID is a no-op.
func (s *Store) RecordAlert(ctx context.Context, a engine.Alert) error {
	class := ""
	if a.Class.Valid() {
		class = a.Class.String()
	}
	_, err := s.exec(ctx, `
		INSERT INTO alerts (id, severity, code, tier, class, operation_id, message, latency_ms, target_ms, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, string(a.Severity), a.Code, string(a.Tier), class, a.OperationID, a.Message,
		a.Latency.Milliseconds(), a.Target.Milliseconds(), formatTime(a.RaisedAt))
	if err != nil {
		return fmt.Errorf("write alert %s: %w", a.ID, err)
	}
	return nil
}

// Alerts returns stored alerts ordered by raise time, then ID.
func (s *Store) Alerts(ctx context.Context) ([]engine.Alert, error) {
	rows, err := s.query(ctx, `
		SELECT id, severity, code, tier, class, operation_id, message, latency_ms, target_ms, raised_at
		FROM alerts
		ORDER BY raised_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	defer rows.Close()

	var out []engine.Alert
	for rows.Next() {
		var (
			a                   engine.Alert
			severity, tier, cls string
			latencyMS, targetMS int64
			raised              string
		)
		if err := rows.Scan(&a.ID, &severity, &a.Code, &tier, &cls, &a.OperationID, &a.Message, &latencyMS, &targetMS, &raised); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = engine.Severity(severity)
		a.Tier = model.Tier(tier)
		if cls != "" {
			if a.Class, err = model.ParsePriorityClass(cls); err != nil {
				return nil, fmt.Errorf("alert %s: %w", a.ID, err)
			}
		}
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		a.Target = time.Duration(targetMS) * time.Millisecond
		if a.RaisedAt, err = parseTime(raised); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
