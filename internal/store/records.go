package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/roach88/wellsync/internal/dispatch"
)

// RecordDurable stores rec. Recording the same operation twice keeps the
// first row, so a batch retried after a lost ack is harmless.
func (s *Store) RecordDurable(ctx context.Context, rec dispatch.DurableRecord) error {
	if rec.OperationID == "" {
		return fmt.Errorf("write durable record: operation id is required")
	}
	_, err := s.exec(ctx, `
		INSERT INTO durable_records (operation_id, record_id, batch_id, digest, conflict_id, acked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id) DO NOTHING
	`, rec.OperationID, rec.RecordID, rec.BatchID, rec.Digest, rec.ConflictID, formatTime(rec.AckedAt))
	if err != nil {
		return fmt.Errorf("write durable record %s: %w", rec.OperationID, err)
	}
	return nil
}

// DurableRecords returns all durable records ordered by ack time, then
// operation ID.
func (s *Store) DurableRecords(ctx context.Context) ([]dispatch.DurableRecord, error) {
	rows, err := s.query(ctx, `
		SELECT operation_id, record_id, batch_id, digest, conflict_id, acked_at
		FROM durable_records
		ORDER BY acked_at ASC, operation_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read durable records: %w", err)
	}
	defer rows.Close()

	var out []dispatch.DurableRecord
	for rows.Next() {
		var rec dispatch.DurableRecord
		var acked string
		if err := rows.Scan(&rec.OperationID, &rec.RecordID, &rec.BatchID, &rec.Digest, &rec.ConflictID, &acked); err != nil {
			return nil, fmt.Errorf("scan durable record: %w", err)
		}
		if rec.AckedAt, err = parseTime(acked); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadCounter returns the persisted counter for device.
func (s *Store) LoadCounter(device string) (uint64, bool, error) {
	var n int64
	err := s.queryRow(context.Background(),
		`SELECT counter FROM device_counters WHERE device_id = ?`, device).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read counter for %s: %w", device, err)
	}
	return uint64(n), true, nil
}

// SaveCounter persists counter for device. A lower value than the one stored
// is ignored; counters for a known device never move backwards.
func (s *Store) SaveCounter(device string, counter uint64) error {
	if counter > math.MaxInt64 {
		return fmt.Errorf("write counter for %s: %d overflows storage", device, counter)
	}
	query := fmt.Sprintf(`
		INSERT INTO device_counters (device_id, counter)
		VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET counter = %s(device_counters.counter, excluded.counter)
	`, s.greatest())
	if _, err := s.exec(context.Background(), query, device, int64(counter)); err != nil {
		return fmt.Errorf("write counter for %s: %w", device, err)
	}
	return nil
}
