package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
)

// t0 is the fixed creation time used by fixtures.
var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOrder inserts an order in the given status with no lines.
func createTestOrder(t *testing.T, s *Store, id string, status lifecycle.Status) model.Order {
	t.Helper()
	o, err := s.InsertOrder(context.Background(), NewOrder{
		ID:        id,
		Status:    status,
		TaxRate:   decimal.RequireFromString("0.10"),
		CreatedAt: t0,
	})
	require.NoError(t, err)
	return o
}

// createTestLine appends a line to an order.
func createTestLine(t *testing.T, s *Store, id, orderID, price string, qty int) model.Line {
	t.Helper()
	l, err := s.InsertLine(context.Background(), NewLine{
		ID:        id,
		OrderID:   orderID,
		Name:      "item-" + id,
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	return l
}
