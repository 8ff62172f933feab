package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/ordersync/internal/audit"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/store"
)

// TransitionOrder applies a conditional status update and stamps the target
// status. A terminal target also frees the order's table in the same
// transaction. Under READ COMMITTED a concurrent writer re-evaluates the WHERE
// clause after the first commits, so exactly one of them matches.
func (s *Store) TransitionOrder(ctx context.Context, w store.TransitionWrite) (model.Order, error) {
	if !w.To.Valid() {
		return model.Order{}, fmt.Errorf("transition order %s: invalid target status %q", w.ID, w.To)
	}
	if len(w.From) == 0 {
		return model.Order{}, fmt.Errorf("transition order %s: empty from set", w.ID)
	}
	from := make([]string, len(w.From))
	for i, st := range w.From {
		from[i] = string(st)
	}

	var updated model.Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1, version = version + 1
			WHERE id = $2 AND version = $3 AND status = ANY($4)
		`, string(w.To), w.ID, w.ExpectedVersion, from)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := readOrder(ctx, tx, w.ID); err != nil {
				return err
			}
			return fmt.Errorf("order %s at version %d: %w", w.ID, w.ExpectedVersion, model.ErrConflict)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO order_stamps (order_id, status, at) VALUES ($1, $2, $3)
			ON CONFLICT (order_id, status) DO NOTHING
		`, w.ID, string(w.To), w.At.UTC().UnixNano()); err != nil {
			return fmt.Errorf("insert stamp: %w", err)
		}

		if updated, err = readOrder(ctx, tx, w.ID); err != nil {
			return err
		}
		if w.To.Terminal() && updated.TableRef != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE tables SET active_order = '', version = version + 1
				WHERE id = $1 AND active_order = $2
			`, updated.TableRef, w.ID); err != nil {
				return fmt.Errorf("release table: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return updated, nil
}

// UpdateLineStatus applies a conditional line status update.
func (s *Store) UpdateLineStatus(ctx context.Context, w store.LineWrite) (model.Line, error) {
	if !w.To.Valid() {
		return model.Line{}, fmt.Errorf("update line %s: invalid status %q", w.ID, w.To)
	}

	var updated model.Line
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE order_lines SET status = $1, version = version + 1
			WHERE id = $2 AND version = $3 AND status = $4
		`, string(w.To), w.ID, w.ExpectedVersion, string(w.From))
		if err != nil {
			return fmt.Errorf("update line: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := readLine(ctx, tx, w.ID); err != nil {
				return err
			}
			return fmt.Errorf("line %s at version %d: %w", w.ID, w.ExpectedVersion, model.ErrConflict)
		}
		updated, err = readLine(ctx, tx, w.ID)
		return err
	})
	if err != nil {
		return model.Line{}, err
	}
	return updated, nil
}

// OccupyTable seats a non-terminal order at an available table.
// Returns model.ErrTableOccupied if the table already has an active order.
func (s *Store) OccupyTable(ctx context.Context, tableID, orderID string) (model.Table, error) {
	var updated model.Table
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		o, err := readOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return fmt.Errorf("occupy table %s: order %s is %s", tableID, orderID, o.Status)
		}
		cur, err := readTable(ctx, tx, tableID)
		if err != nil {
			return err
		}
		if cur.ActiveOrder == orderID {
			updated = cur
			return nil
		}
		tag, err := tx.Exec(ctx, `
			UPDATE tables SET active_order = $1, version = version + 1
			WHERE id = $2 AND active_order = ''
		`, orderID, tableID)
		if err != nil {
			return fmt.Errorf("occupy table: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("table %s holds %s: %w", tableID, cur.ActiveOrder, model.ErrTableOccupied)
		}
		updated, err = readTable(ctx, tx, tableID)
		return err
	})
	if err != nil {
		return model.Table{}, err
	}
	return updated, nil
}

// InsertOrder creates an order and, when TableRef is set, seats it at that
// table in the same transaction.
func (s *Store) InsertOrder(ctx context.Context, n store.NewOrder) (model.Order, error) {
	if n.ID == "" {
		return model.Order{}, fmt.Errorf("insert order: empty id")
	}
	if n.Status == "" {
		n.Status = lifecycle.StatusPending
	}
	if !n.Status.Valid() {
		return model.Order{}, fmt.Errorf("insert order %s: invalid status %q", n.ID, n.Status)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	totals := model.ComputeTotals(nil, n.TaxRate, n.Discount)

	var order model.Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		createdAt := n.CreatedAt.UTC().UnixNano()
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, status, table_ref, tax_rate, discount_amount,
			                    subtotal, tax, discount, total, created_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		`, n.ID, string(n.Status), n.TableRef, n.TaxRate.String(), n.Discount.String(),
			totals.Subtotal.String(), totals.Tax.String(), totals.Discount.String(), totals.Total.String(),
			createdAt); err != nil {
			return fmt.Errorf("insert order %s: %w", n.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_stamps (order_id, status, at) VALUES ($1, $2, $3)
			ON CONFLICT (order_id, status) DO NOTHING
		`, n.ID, string(n.Status), createdAt); err != nil {
			return fmt.Errorf("insert stamp: %w", err)
		}

		if n.TableRef != "" && !n.Status.Terminal() {
			tag, err := tx.Exec(ctx, `
				UPDATE tables SET active_order = $1, version = version + 1
				WHERE id = $2 AND active_order = ''
			`, n.ID, n.TableRef)
			if err != nil {
				return fmt.Errorf("occupy table: %w", err)
			}
			if tag.RowsAffected() == 0 {
				if _, err := readTable(ctx, tx, n.TableRef); err != nil {
					return err
				}
				return fmt.Errorf("table %s: %w", n.TableRef, model.ErrTableOccupied)
			}
		}

		var err error
		order, err = readOrder(ctx, tx, n.ID)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// InsertLine appends a line to an order and recomputes the order totals.
func (s *Store) InsertLine(ctx context.Context, n store.NewLine) (model.Line, error) {
	if n.ID == "" || n.OrderID == "" {
		return model.Line{}, fmt.Errorf("insert line: id and order id are required")
	}
	if n.Quantity <= 0 {
		return model.Line{}, fmt.Errorf("insert line %s: quantity must be positive", n.ID)
	}
	if n.Status == "" {
		n.Status = lifecycle.LineQueued
	}

	var line model.Line
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status, taxRate, discount string
		err := tx.QueryRow(ctx,
			`SELECT status, tax_rate, discount_amount FROM orders WHERE id = $1 FOR UPDATE`, n.OrderID,
		).Scan(&status, &taxRate, &discount)
		if isNoRows(err) {
			return fmt.Errorf("order %s: %w", n.OrderID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read pricing: %w", err)
		}
		if lifecycle.Status(status).Terminal() {
			return fmt.Errorf("insert line %s: order %s is %s", n.ID, n.OrderID, status)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO order_lines (id, order_id, position, name, quantity, unit_price, status, version)
			VALUES ($1, $2, (SELECT COALESCE(MAX(position), 0) + 1 FROM order_lines WHERE order_id = $2), $3, $4, $5, $6, 1)
		`, n.ID, n.OrderID, n.Name, n.Quantity, n.UnitPrice.String(), string(n.Status)); err != nil {
			return fmt.Errorf("insert line %s: %w", n.ID, err)
		}

		lines, err := queryLines(ctx, tx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = $1 ORDER BY position, id`, n.OrderID)
		if err != nil {
			return err
		}
		rate, err := parseMoney(taxRate)
		if err != nil {
			return err
		}
		disc, err := parseMoney(discount)
		if err != nil {
			return err
		}
		t := model.ComputeTotals(lines, rate, disc)
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET subtotal = $1, tax = $2, discount = $3, total = $4, version = version + 1
			WHERE id = $5
		`, t.Subtotal.String(), t.Tax.String(), t.Discount.String(), t.Total.String(), n.OrderID); err != nil {
			return fmt.Errorf("update totals: %w", err)
		}

		line, err = readLine(ctx, tx, n.ID)
		return err
	})
	if err != nil {
		return model.Line{}, err
	}
	return line, nil
}

// InsertTable creates an empty table.
func (s *Store) InsertTable(ctx context.Context, id, name string) (model.Table, error) {
	if id == "" {
		return model.Table{}, fmt.Errorf("insert table: empty id")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO tables (id, name, active_order, version) VALUES ($1, $2, '', 1)`, id, name,
	); err != nil {
		return model.Table{}, fmt.Errorf("insert table %s: %w", id, err)
	}
	return s.ReadTable(ctx, id)
}

// SetPaymentSettled records the payment collaborator's verdict for an order.
func (s *Store) SetPaymentSettled(ctx context.Context, orderID string, settled bool, at time.Time) error {
	var settledAt *int64
	if settled {
		ns := at.UTC().UnixNano()
		settledAt = &ns
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (order_id, settled, settled_at) VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO UPDATE SET settled = EXCLUDED.settled, settled_at = EXCLUDED.settled_at
	`, orderID, settled, settledAt)
	if err != nil {
		return fmt.Errorf("set payment %s: %w", orderID, err)
	}
	return nil
}

// Settled reports whether the order's payment has been confirmed.
func (s *Store) Settled(ctx context.Context, orderID string) (bool, error) {
	var settled bool
	err := s.pool.QueryRow(ctx, `SELECT settled FROM payments WHERE order_id = $1`, orderID).Scan(&settled)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read payment %s: %w", orderID, err)
	}
	return settled, nil
}

// Append implements audit.Appender.
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, order_id, from_status, to_status, actor, automatic, reason, context, version, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.OrderID, rec.From, rec.To, rec.Actor, rec.Automatic, rec.Reason, string(ctxJSON),
		rec.Version, rec.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append audit %s: %w", rec.ID, err)
	}
	return nil
}

// ReadAudit implements audit.Reader, returning records oldest first.
func (s *Store) ReadAudit(ctx context.Context, orderID string) ([]audit.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor, automatic, reason, context, version, at
		FROM audit_log WHERE order_id = $1 ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Record, error) {
		var (
			rec     audit.Record
			ctxJSON string
			at      int64
		)
		if err := row.Scan(&rec.ID, &rec.OrderID, &rec.From, &rec.To, &rec.Actor, &rec.Automatic,
			&rec.Reason, &ctxJSON, &rec.Version, &at); err != nil {
			return audit.Record{}, err
		}
		if ctxJSON != "" && ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
				return audit.Record{}, fmt.Errorf("unmarshal audit context: %w", err)
			}
		}
		rec.At = time.Unix(0, at).UTC()
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit: %w", err)
	}
	return records, nil
}

// CountAutomatic returns how many automatic records exist for an order.
func (s *Store) CountAutomatic(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE order_id = $1 AND automatic`, orderID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count automatic audit: %w", err)
	}
	return n, nil
}
