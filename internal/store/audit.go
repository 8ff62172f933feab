package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/ordersync/internal/audit"
)

// Append implements audit.Appender. Records are content-addressed, so a
// retried append of the same transition is a no-op.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("append audit: record has no id")
	}
	ctxJSON := []byte("{}")
	if len(rec.Context) > 0 {
		var err error
		if ctxJSON, err = json.Marshal(rec.Context); err != nil {
			return fmt.Errorf("marshal audit context: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, order_id, from_status, to_status, actor, automatic, reason, context, version, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.OrderID, rec.From, rec.To, rec.Actor, rec.Automatic, rec.Reason, string(ctxJSON),
		rec.Version, rec.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append audit %s: %w", rec.ID, err)
	}
	return nil
}

// ReadAudit implements audit.Reader, returning records oldest first.
func (s *Store) ReadAudit(ctx context.Context, orderID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, actor, automatic, reason, context, version, at
		FROM audit_log
		WHERE order_id = ?
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			rec     audit.Record
			ctxJSON string
			at      int64
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.From, &rec.To, &rec.Actor, &rec.Automatic,
			&rec.Reason, &ctxJSON, &rec.Version, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if ctxJSON != "" && ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
				return nil, fmt.Errorf("unmarshal audit context: %w", err)
			}
		}
		rec.At = time.Unix(0, at).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountAutomatic returns how many automatic records exist for an order.
func (s *Store) CountAutomatic(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE order_id = ? AND automatic = 1`, orderID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count automatic audit: %w", err)
	}
	return n, nil
}
