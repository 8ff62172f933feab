package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/queryir"
	"github.com/roach88/ordersync/internal/querysql"
)

const orderColumns = `id, status, table_ref, subtotal, tax, discount, total, created_at, version`

const lineColumns = `id, order_id, position, name, quantity, unit_price, status, version`

const tableColumns = `id, name, active_order, version`

// ReadOrder returns the current durable snapshot of an order.
// Returns model.ErrNotFound if the order doesn't exist.
func (s *Store) ReadOrder(ctx context.Context, id string) (model.Order, error) {
	return readOrder(ctx, s.pool, id)
}

func readOrder(ctx context.Context, q querier, id string) (model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if isNoRows(err) {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("read order %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `SELECT status, at FROM order_stamps WHERE order_id = $1`, id)
	if err != nil {
		return model.Order{}, fmt.Errorf("query stamps: %w", err)
	}
	o.Stamps = make(map[lifecycle.Status]time.Time)
	var (
		status string
		at     int64
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &at}, func() error {
		o.Stamps[lifecycle.Status(status)] = time.Unix(0, at).UTC()
		return nil
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("scan stamps: %w", err)
	}

	rows, err = q.Query(ctx, `SELECT id FROM order_lines WHERE order_id = $1 ORDER BY position, id`, id)
	if err != nil {
		return model.Order{}, fmt.Errorf("query line ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return model.Order{}, fmt.Errorf("scan line ids: %w", err)
	}
	o.Lines = ids
	if o.Lines == nil {
		o.Lines = []string{}
	}
	return o, nil
}

func scanOrder(row pgx.Row) (model.Order, error) {
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

	for _, f := range []struct {
		dst *model.Money
		src string
	}{
		{&o.Totals.Subtotal, subtotal},
		{&o.Totals.Tax, tax},
		{&o.Totals.Discount, discount},
		{&o.Totals.Total, total},
	} {
		d, err := parseMoney(f.src)
		if err != nil {
			return model.Order{}, err
		}
		*f.dst = d
	}
	return o, nil
}

// ReadLines returns every line of an order in position order.
func (s *Store) ReadLines(ctx context.Context, orderID string) ([]model.Line, error) {
	return queryLines(ctx, s.pool, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = $1 ORDER BY position, id`, orderID)
}

// ReadLine returns a single order line.
// Returns model.ErrNotFound if the line doesn't exist.
func (s *Store) ReadLine(ctx context.Context, id string) (model.Line, error) {
	return readLine(ctx, s.pool, id)
}

func readLine(ctx context.Context, q querier, id string) (model.Line, error) {
	l, err := scanLine(q.QueryRow(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE id = $1`, id))
	if isNoRows(err) {
		return model.Line{}, fmt.Errorf("line %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Line{}, fmt.Errorf("read line %s: %w", id, err)
	}
	return l, nil
}

func queryLines(ctx context.Context, q querier, query string, args ...any) ([]model.Line, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Line, error) {
		return scanLine(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan lines: %w", err)
	}
	return lines, nil
}

func scanLine(row pgx.Row) (model.Line, error) {
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
	return readTable(ctx, s.pool, id)
}

func readTable(ctx context.Context, q querier, id string) (model.Table, error) {
	var t model.Table
	err := q.QueryRow(ctx, `SELECT `+tableColumns+` FROM tables WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.ActiveOrder, &t.Version)
	if isNoRows(err) {
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
	query, args, err := querysql.Compile(querysql.Postgres, queryir.Orders(f))
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
	var out []model.Entity
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
		for _, o := range orders {
			out = append(out, o)
		}
	case model.TypeLine:
		lines, err := queryLines(ctx, s.pool, `SELECT `+lineColumns+` FROM order_lines ORDER BY order_id, position`)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			out = append(out, l)
		}
	case model.TypeTable:
		tables, err := s.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		for _, tb := range tables {
			out = append(out, tb)
		}
	default:
		return nil, fmt.Errorf("load: unknown entity type %q", t)
	}
	return out, nil
}

// ListTables returns every table ordered by id.
func (s *Store) ListTables(ctx context.Context) ([]model.Table, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tableColumns+` FROM tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Table, error) {
		var t model.Table
		err := row.Scan(&t.ID, &t.Name, &t.ActiveOrder, &t.Version)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tables: %w", err)
	}
	return tables, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan ids: %w", err)
	}
	return ids, nil
}

func (s *Store) readOrders(ctx context.Context, ids []string) ([]model.Order, error) {
	orders := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		o, err := readOrder(ctx, s.pool, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func parseMoney(s string) (model.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return model.Money{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}
