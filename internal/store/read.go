package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/queryir"
	"github.com/roach88/ordersync/internal/querysql"
)

const orderColumns = `id, status, table_ref, subtotal, tax, discount, total, created_at, version`

const lineColumns = `id, order_id, position, name, quantity, unit_price, status, version`

const tableColumns = `id, name, active_order, version`

type scanner interface {
	Scan(dest ...any) error
}

// ReadOrder returns the current durable snapshot of an order.
// Returns model.ErrNotFound if the order doesn't exist.
func (s *Store) ReadOrder(ctx context.Context, id string) (model.Order, error) {
	return readOrder(ctx, s.db, id)
}

// readOrder loads the order row, its stamps and its line ids. Each query is
// fully drained before the next one runs.
func readOrder(ctx context.Context, q querier, id string) (model.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("read order %s: %w", id, err)
	}

	if o.Stamps, err = readStamps(ctx, q, id); err != nil {
		return model.Order{}, err
	}
	if o.Lines, err = readLineIDs(ctx, q, id); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func scanOrder(row scanner) (model.Order, error) {
	var (
		o                              model.Order
		status                         string
		subtotal, tax, discount, total string
		createdAt                      int64
	)
	if err := row.Scan(&o.ID, &status, &o.TableRef, &subtotal, &tax, &discount, &total, &createdAt, &o.Version); err != nil {
		return model.Order{}, err
	}
	st, ok := lifecycle.ParseStatus(status)
	if !ok {
		return model.Order{}, fmt.Errorf("order %s has unknown status %q", o.ID, status)
	}
	o.Status = st
	o.CreatedAt = time.Unix(0, createdAt).UTC()

	var err error
	if o.Totals.Subtotal, err = parseMoney(subtotal); err != nil {
		return model.Order{}, err
	}
	if o.Totals.Tax, err = parseMoney(tax); err != nil {
		return model.Order{}, err
	}
	if o.Totals.Discount, err = parseMoney(discount); err != nil {
		return model.Order{}, err
	}
	if o.Totals.Total, err = parseMoney(total); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func readStamps(ctx context.Context, q querier, orderID string) (map[lifecycle.Status]time.Time, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, at FROM order_stamps WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query stamps: %w", err)
	}
	defer rows.Close()

	stamps := make(map[lifecycle.Status]time.Time)
	for rows.Next() {
		var status string
		var at int64
		if err := rows.Scan(&status, &at); err != nil {
			return nil, fmt.Errorf("scan stamp: %w", err)
		}
		stamps[lifecycle.Status(status)] = time.Unix(0, at).UTC()
	}
	return stamps, rows.Err()
}

func readLineIDs(ctx context.Context, q querier, orderID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM order_lines WHERE order_id = ? ORDER BY position, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query line ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan line id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadLines returns every line of an order in position order.
func (s *Store) ReadLines(ctx context.Context, orderID string) ([]model.Line, error) {
	return queryLines(ctx, s.db, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = ? ORDER BY position, id`, orderID)
}

// ReadLine returns a single order line.
// Returns model.ErrNotFound if the line doesn't exist.
func (s *Store) ReadLine(ctx context.Context, id string) (model.Line, error) {
	return readLine(ctx, s.db, id)
}

func readLine(ctx context.Context, q querier, id string) (model.Line, error) {
	row := q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE id = ?`, id)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Line{}, fmt.Errorf("line %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Line{}, fmt.Errorf("read line %s: %w", id, err)
	}
	return l, nil
}

func queryLines(ctx context.Context, q querier, query string, args ...any) ([]model.Line, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var lines []model.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanLine(row scanner) (model.Line, error) {
	var (
		l      model.Line
		price  string
		status string
	)
	if err := row.Scan(&l.ID, &l.OrderID, &l.Position, &l.Name, &l.Quantity, &price, &status, &l.Version); err != nil {
		return model.Line{}, err
	}
	ls, ok := lifecycle.ParseLineStatus(status)
	if !ok {
		return model.Line{}, fmt.Errorf("line %s has unknown status %q", l.ID, status)
	}
	l.Status = ls
	var err error
	if l.UnitPrice, err = parseMoney(price); err != nil {
		return model.Line{}, err
	}
	return l, nil
}

// ReadTable returns a single table.
// Returns model.ErrNotFound if the table doesn't exist.
func (s *Store) ReadTable(ctx context.Context, id string) (model.Table, error) {
	return readTable(ctx, s.db, id)
}

func readTable(ctx context.Context, q querier, id string) (model.Table, error) {
	var t model.Table
	err := q.QueryRowContext(ctx, `SELECT `+tableColumns+` FROM tables WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.ActiveOrder, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Table{}, fmt.Errorf("table %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Table{}, fmt.Errorf("read table %s: %w", id, err)
	}
	return t, nil
}

// ListOrdersByStatus returns every order currently in one of the given
// statuses, ordered by creation time.
func (s *Store) ListOrdersByStatus(ctx context.Context, statuses ...lifecycle.Status) ([]model.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.ListOrders(ctx, queryir.OrderFilter{Statuses: statuses})
}

// ListOrders returns the orders matching f, oldest first.
func (s *Store) ListOrders(ctx context.Context, f queryir.OrderFilter) ([]model.Order, error) {
	query, args, err := querysql.Compile(querysql.SQLite, queryir.Orders(f))
	if err != nil {
		return nil, err
	}
	ids, err := s.queryIDs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.readOrders(ctx, ids)
}

// Load returns a full snapshot of one entity type, used by bulk loads.
func (s *Store) Load(ctx context.Context, t model.EntityType) ([]model.Entity, error) {
	switch t {
	case model.TypeOrder:
		ids, err := s.queryIDs(ctx, `SELECT id FROM orders ORDER BY created_at, id`)
		if err != nil {
			return nil, err
		}
		orders, err := s.readOrders(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make([]model.Entity, len(orders))
		for i, o := range orders {
			out[i] = o
		}
		return out, nil

	case model.TypeLine:
		lines, err := queryLines(ctx, s.db, `SELECT `+lineColumns+` FROM order_lines ORDER BY order_id, position`)
		if err != nil {
			return nil, err
		}
		out := make([]model.Entity, len(lines))
		for i, l := range lines {
			out[i] = l
		}
		return out, nil

	case model.TypeTable:
		tables, err := s.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]model.Entity, len(tables))
		for i, t := range tables {
			out[i] = t
		}
		return out, nil
	}
	return nil, fmt.Errorf("load: unknown entity type %q", t)
}

// ListTables returns every table ordered by id.
func (s *Store) ListTables(ctx context.Context) ([]model.Table, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tableColumns+` FROM tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []model.Table
	for rows.Next() {
		var t model.Table
		if err := rows.Scan(&t.ID, &t.Name, &t.ActiveOrder, &t.Version); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) readOrders(ctx context.Context, ids []string) ([]model.Order, error) {
	orders := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		o, err := readOrder(ctx, s.db, id)
		if errors.Is(err, model.ErrNotFound) {
			// Archived between the id scan and the read.
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func parseMoney(s string) (model.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return model.Money{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}
