package querysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/queryir"
)

func TestCompile_UnfilteredOrders(t *testing.T) {
	sql, params, err := Compile(SQLite, queryir.Orders(queryir.OrderFilter{}))
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM orders ORDER BY created_at ASC, id COLLATE BINARY ASC", sql)
	assert.Empty(t, params)
}

func TestCompile_Dialects(t *testing.T) {
	before := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	q := queryir.Orders(queryir.OrderFilter{
		Statuses:      []lifecycle.Status{lifecycle.StatusPending, lifecycle.StatusPreparing},
		Table:         "t1",
		CreatedBefore: before,
		Limit:         10,
	})

	tests := []struct {
		dialect Dialect
		want    string
	}{
		{SQLite, "SELECT id FROM orders WHERE status IN (?, ?) AND table_ref = ? AND created_at < ? " +
			"ORDER BY created_at ASC, id COLLATE BINARY ASC LIMIT ?"},
		{Postgres, "SELECT id FROM orders WHERE status IN ($1, $2) AND table_ref = $3 AND created_at < $4 " +
			`ORDER BY created_at ASC, id COLLATE "C" ASC LIMIT $5`},
	}
	for _, tt := range tests {
		t.Run(tt.dialect.String(), func(t *testing.T) {
			sql, params, err := Compile(tt.dialect, q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
			assert.Equal(t, []any{"pending", "preparing", "t1", before.UnixNano(), 10}, params)
		})
	}
}

func TestCompile_ValuesAreNeverInlined(t *testing.T) {
	q := queryir.Select{
		From:    "order_lines",
		Columns: []string{"id", "name"},
		Filter:  queryir.Equals{Field: "name", Value: "'; DROP TABLE orders; --"},
	}
	sql, params, err := Compile(SQLite, q)
	require.NoError(t, err)
	assert.NotContains(t, sql, "DROP")
	assert.Equal(t, []any{"'; DROP TABLE orders; --"}, params)
}

func TestCompile_PointerSelect(t *testing.T) {
	sql, _, err := Compile(Postgres, &queryir.Select{From: "tables", Columns: []string{"id", "active_order"}})
	require.NoError(t, err)
	assert.Equal(t, `SELECT id, active_order FROM tables ORDER BY id COLLATE "C" ASC`, sql)
}

func TestCompile_EmptyAndIsDropped(t *testing.T) {
	q := queryir.Select{
		From:    "orders",
		Columns: []string{"id"},
		Filter:  queryir.And{Predicates: []queryir.Predicate{queryir.And{}}},
	}
	sql, params, err := Compile(SQLite, q)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM orders ORDER BY id COLLATE BINARY ASC", sql)
	assert.Empty(t, params)
}

func TestCompile_RejectsInvalid(t *testing.T) {
	_, _, err := Compile(SQLite, queryir.Select{From: "orders", Columns: []string{"id; DELETE FROM orders"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}
