// Package querysql compiles queryir queries to parameterized SQL for the
// SQLite and PostgreSQL stores.
//
// Values are always bound as parameters, never written into the SQL text.
// Every query ends with a deterministic ORDER BY on id.
package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/ordersync/internal/queryir"
)

// Dialect selects placeholder syntax and collation.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	}
	return "dialect(" + strconv.Itoa(int(d)) + ")"
}

// Compile validates q and renders it for d. It returns the SQL text and its
// parameters in placeholder order.
func Compile(d Dialect, q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, fmt.Errorf("invalid query: %w", err)
	}
	var sel queryir.Select
	switch query := q.(type) {
	case queryir.Select:
		sel = query
	case *queryir.Select:
		sel = *query
	}

	b := &builder{dialect: d}
	return b.selectSQL(sel), b.params, nil
}

type builder struct {
	dialect Dialect
	params  []any
}

func (b *builder) bind(v any) string {
	b.params = append(b.params, v)
	if b.dialect == Postgres {
		return "$" + strconv.Itoa(len(b.params))
	}
	return "?"
}

func (b *builder) selectSQL(sel queryir.Select) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(sel.Columns, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(sel.From)

	if sel.Filter != nil {
		if where := b.predicate(sel.Filter); where != "" {
			sb.WriteString(" WHERE ")
			sb.WriteString(where)
		}
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(b.orderKey(sel.OrderBy))

	if sel.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.bind(sel.Limit))
	}
	return sb.String()
}

// orderKey appends id as the final tiebreaker, compared bytewise.
func (b *builder) orderKey(cols []string) string {
	parts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		if c == "id" {
			continue
		}
		parts = append(parts, c+" ASC")
	}
	collate := "BINARY"
	if b.dialect == Postgres {
		collate = `"C"`
	}
	parts = append(parts, "id COLLATE "+collate+" ASC")
	return strings.Join(parts, ", ")
}

// predicate renders p. An empty string means no condition.
func (b *builder) predicate(p queryir.Predicate) string {
	switch pred := p.(type) {
	case queryir.Equals:
		return pred.Field + " = " + b.bind(pred.Value)
	case queryir.In:
		marks := make([]string, len(pred.Values))
		for i, v := range pred.Values {
			marks[i] = b.bind(v)
		}
		return pred.Field + " IN (" + strings.Join(marks, ", ") + ")"
	case queryir.Less:
		return pred.Field + " < " + b.bind(pred.Value)
	case queryir.And:
		var parts []string
		for _, sub := range pred.Predicates {
			if s := b.predicate(sub); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " AND ")
	}
	return ""
}
