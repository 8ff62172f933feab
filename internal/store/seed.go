package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
)

// NewOrder describes an order created by the checkout flow. The sync engine
// never creates orders itself; these inserts serve fixtures, tests and the
// seed command.
type NewOrder struct {
	ID       string
	TableRef string
	TaxRate  model.Money
	Discount model.Money

	// Status defaults to pending.
	Status    lifecycle.Status
	CreatedAt time.Time
}

// NewLine describes a line appended to an existing order.
type NewLine struct {
	ID        string
	OrderID   string
	Name      string
	Quantity  int
	UnitPrice model.Money

	// Status defaults to queued.
	Status lifecycle.LineStatus
}

// InsertOrder creates an order and, when TableRef is set, seats it at that
// table in the same transaction.
func (s *Store) InsertOrder(ctx context.Context, n NewOrder) (model.Order, error) {
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

	var (
		order              model.Order
		oldTable, newTable model.Table
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		createdAt := n.CreatedAt.UTC().UnixNano()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, status, table_ref, tax_rate, discount_amount,
			                    subtotal, tax, discount, total, created_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, n.ID, string(n.Status), n.TableRef, n.TaxRate.String(), n.Discount.String(),
			totals.Subtotal.String(), totals.Tax.String(), totals.Discount.String(), totals.Total.String(),
			createdAt)
		if err != nil {
			return fmt.Errorf("insert order %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_stamps (order_id, status, at) VALUES (?, ?, ?)
			ON CONFLICT(order_id, status) DO NOTHING
		`, n.ID, string(n.Status), createdAt); err != nil {
			return fmt.Errorf("insert stamp: %w", err)
		}

		if n.TableRef != "" && !n.Status.Terminal() {
			if oldTable, err = readTable(ctx, tx, n.TableRef); err != nil {
				return err
			}
			if !oldTable.Available() {
				return fmt.Errorf("table %s holds %s: %w", n.TableRef, oldTable.ActiveOrder, model.ErrTableOccupied)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tables SET active_order = ?, version = version + 1 WHERE id = ?
			`, n.ID, n.TableRef); err != nil {
				return fmt.Errorf("occupy table: %w", err)
			}
			if newTable, err = readTable(ctx, tx, n.TableRef); err != nil {
				return err
			}
		}

		order, err = readOrder(ctx, tx, n.ID)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}

	s.publish(feed.Change{Table: model.TypeOrder, Op: feed.OpInsert, New: order})
	if newTable.ID != "" {
		s.publish(feed.Change{Table: model.TypeTable, Op: feed.OpUpdate, Old: oldTable, New: newTable})
	}
	return order, nil
}

// InsertLine appends a line to an order and recomputes the order totals from
// every line in the same transaction. The order version is bumped.
func (s *Store) InsertLine(ctx context.Context, n NewLine) (model.Line, error) {
	if n.ID == "" || n.OrderID == "" {
		return model.Line{}, fmt.Errorf("insert line: id and order id are required")
	}
	if n.Quantity <= 0 {
		return model.Line{}, fmt.Errorf("insert line %s: quantity must be positive", n.ID)
	}
	if n.Status == "" {
		n.Status = lifecycle.LineQueued
	}

	var (
		line               model.Line
		oldOrder, newOrder model.Order
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if oldOrder, err = readOrder(ctx, tx, n.OrderID); err != nil {
			return err
		}
		if oldOrder.Status.Terminal() {
			return fmt.Errorf("insert line %s: order %s is %s", n.ID, n.OrderID, oldOrder.Status)
		}

		var taxRate, discount string
		if err := tx.QueryRowContext(ctx,
			`SELECT tax_rate, discount_amount FROM orders WHERE id = ?`, n.OrderID,
		).Scan(&taxRate, &discount); err != nil {
			return fmt.Errorf("read pricing: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, position, name, quantity, unit_price, status, version)
			VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM order_lines WHERE order_id = ?), ?, ?, ?, ?, 1)
		`, n.ID, n.OrderID, n.OrderID, n.Name, n.Quantity, n.UnitPrice.String(), string(n.Status)); err != nil {
			return fmt.Errorf("insert line %s: %w", n.ID, err)
		}

		lines, err := queryLines(ctx, tx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = ? ORDER BY position, id`, n.OrderID)
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
		if err := writeTotals(ctx, tx, n.OrderID, model.ComputeTotals(lines, rate, disc)); err != nil {
			return err
		}

		if line, err = readLine(ctx, tx, n.ID); err != nil {
			return err
		}
		newOrder, err = readOrder(ctx, tx, n.OrderID)
		return err
	})
	if err != nil {
		return model.Line{}, err
	}

	s.publish(
		feed.Change{Table: model.TypeLine, Op: feed.OpInsert, New: line},
		feed.Change{Table: model.TypeOrder, Op: feed.OpUpdate, Old: oldOrder, New: newOrder},
	)
	return line, nil
}

func writeTotals(ctx context.Context, tx *sql.Tx, orderID string, t model.Totals) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET subtotal = ?, tax = ?, discount = ?, total = ?, version = version + 1
		WHERE id = ?
	`, t.Subtotal.String(), t.Tax.String(), t.Discount.String(), t.Total.String(), orderID)
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	return nil
}

// InsertTable creates an empty table.
func (s *Store) InsertTable(ctx context.Context, id, name string) (model.Table, error) {
	if id == "" {
		return model.Table{}, fmt.Errorf("insert table: empty id")
	}
	var t model.Table
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tables (id, name, active_order, version) VALUES (?, ?, '', 1)`, id, name,
		); err != nil {
			return fmt.Errorf("insert table %s: %w", id, err)
		}
		var err error
		t, err = readTable(ctx, tx, id)
		return err
	})
	if err != nil {
		return model.Table{}, err
	}

	s.publish(feed.Change{Table: model.TypeTable, Op: feed.OpInsert, New: t})
	return t, nil
}

// ArchiveOrder removes a terminal order together with its lines. Lines cannot
// outlive their order, so their deletes are published before the order's.
func (s *Store) ArchiveOrder(ctx context.Context, id string) error {
	var (
		order model.Order
		lines []model.Line
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if order, err = readOrder(ctx, tx, id); err != nil {
			return err
		}
		if !order.Status.Terminal() {
			return fmt.Errorf("archive order %s: status %s is not terminal", id, order.Status)
		}
		lines, err = queryLines(ctx, tx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = ? ORDER BY position, id`, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete order %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE order_id = ?`, id); err != nil {
			return fmt.Errorf("delete payment %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, l := range lines {
		s.publish(feed.Change{Table: model.TypeLine, Op: feed.OpDelete, Old: l})
	}
	s.publish(feed.Change{Table: model.TypeOrder, Op: feed.OpDelete, Old: order})
	return nil
}

// SetPaymentSettled records the payment collaborator's verdict for an order.
func (s *Store) SetPaymentSettled(ctx context.Context, orderID string, settled bool, at time.Time) error {
	var settledAt any
	if settled {
		settledAt = at.UTC().UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, settled, settled_at) VALUES (?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET settled = excluded.settled, settled_at = excluded.settled_at
	`, orderID, settled, settledAt)
	if err != nil {
		return fmt.Errorf("set payment %s: %w", orderID, err)
	}
	return nil
}

// Settled reports whether the order's payment has been confirmed. An order
// with no payment row is unsettled.
func (s *Store) Settled(ctx context.Context, orderID string) (bool, error) {
	var settled bool
	err := s.db.QueryRowContext(ctx, `SELECT settled FROM payments WHERE order_id = ?`, orderID).Scan(&settled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read payment %s: %w", orderID, err)
	}
	return settled, nil
}
