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

// TransitionWrite is a conditional status update.
type TransitionWrite struct {
	ID              string
	ExpectedVersion int64

	// From is the set of statuses the row must currently be in.
	From []lifecycle.Status
	To   lifecycle.Status
	At   time.Time
}

// TransitionOrder applies a conditional status update and stamps the target
// status. A terminal target also frees the order's table in the same
// transaction. Returns model.ErrConflict when the version or status no longer
// matches and model.ErrNotFound when the order doesn't exist.
func (s *Store) TransitionOrder(ctx context.Context, w TransitionWrite) (model.Order, error) {
	if !w.To.Valid() {
		return model.Order{}, fmt.Errorf("transition order %s: invalid target status %q", w.ID, w.To)
	}
	if len(w.From) == 0 {
		return model.Order{}, fmt.Errorf("transition order %s: empty from set", w.ID)
	}

	var old, updated model.Order
	var release *feed.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if old, err = readOrder(ctx, tx, w.ID); err != nil {
			return err
		}

		args := []any{string(w.To), w.ID, w.ExpectedVersion}
		for _, st := range w.From {
			args = append(args, string(st))
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, version = version + 1
			WHERE id = ? AND version = ? AND status IN (`+placeholders(len(w.From))+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("order %s at version %d: %w", w.ID, w.ExpectedVersion, model.ErrConflict)
		}

		// First write wins: a status reached twice keeps its original stamp.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_stamps (order_id, status, at) VALUES (?, ?, ?)
			ON CONFLICT(order_id, status) DO NOTHING
		`, w.ID, string(w.To), w.At.UTC().UnixNano()); err != nil {
			return fmt.Errorf("insert stamp: %w", err)
		}

		if updated, err = readOrder(ctx, tx, w.ID); err != nil {
			return err
		}
		if w.To.Terminal() && updated.TableRef != "" {
			release, err = releaseTable(ctx, tx, updated.TableRef, w.ID)
		}
		return err
	})
	if err != nil {
		return model.Order{}, err
	}

	s.publish(feed.Change{Table: model.TypeOrder, Op: feed.OpUpdate, Old: old, New: updated})
	if release != nil {
		s.publish(*release)
	}
	return updated, nil
}

// LineWrite is a conditional line status update.
type LineWrite struct {
	ID              string
	ExpectedVersion int64
	From            lifecycle.LineStatus
	To              lifecycle.LineStatus
}

// UpdateLineStatus applies a conditional line status update. Line status
// changes do not bump the parent order's version.
func (s *Store) UpdateLineStatus(ctx context.Context, w LineWrite) (model.Line, error) {
	if !w.To.Valid() {
		return model.Line{}, fmt.Errorf("update line %s: invalid status %q", w.ID, w.To)
	}

	var old, updated model.Line
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if old, err = readLine(ctx, tx, w.ID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE order_lines SET status = ?, version = version + 1
			WHERE id = ? AND version = ? AND status = ?
		`, string(w.To), w.ID, w.ExpectedVersion, string(w.From))
		if err != nil {
			return fmt.Errorf("update line: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("line %s at version %d: %w", w.ID, w.ExpectedVersion, model.ErrConflict)
		}
		updated, err = readLine(ctx, tx, w.ID)
		return err
	})
	if err != nil {
		return model.Line{}, err
	}

	s.publish(feed.Change{Table: model.TypeLine, Op: feed.OpUpdate, Old: old, New: updated})
	return updated, nil
}

// OccupyTable seats a non-terminal order at an available table.
// Returns model.ErrTableOccupied if the table already has an active order.
func (s *Store) OccupyTable(ctx context.Context, tableID, orderID string) (model.Table, error) {
	var old, updated model.Table
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := readOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return fmt.Errorf("occupy table %s: order %s is %s", tableID, orderID, o.Status)
		}
		if old, err = readTable(ctx, tx, tableID); err != nil {
			return err
		}
		if old.ActiveOrder == orderID {
			updated = old
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tables SET active_order = ?, version = version + 1
			WHERE id = ? AND active_order = ''
		`, orderID, tableID)
		if err != nil {
			return fmt.Errorf("occupy table: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("table %s holds %s: %w", tableID, old.ActiveOrder, model.ErrTableOccupied)
		}
		updated, err = readTable(ctx, tx, tableID)
		return err
	})
	if err != nil {
		return model.Table{}, err
	}

	if updated.Version != old.Version {
		s.publish(feed.Change{Table: model.TypeTable, Op: feed.OpUpdate, Old: old, New: updated})
	}
	return updated, nil
}

// releaseTable frees a table, but only while it still points at orderID.
// Returns a nil change when the table holds a different order or none.
func releaseTable(ctx context.Context, tx *sql.Tx, tableID, orderID string) (*feed.Change, error) {
	old, err := readTable(ctx, tx, tableID)
	if err != nil {
		return nil, fmt.Errorf("release table: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tables SET active_order = '', version = version + 1
		WHERE id = ? AND active_order = ?
	`, tableID, orderID)
	if err != nil {
		return nil, fmt.Errorf("release table: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, nil
	}
	updated, err := readTable(ctx, tx, tableID)
	if err != nil {
		return nil, err
	}
	return &feed.Change{Table: model.TypeTable, Op: feed.OpUpdate, Old: old, New: updated}, nil
}

// withTx runs fn in a transaction. The transaction takes the write lock on
// BEGIN (see _txlock in Open) so reads inside fn see a stable row.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
