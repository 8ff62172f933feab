package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/model"
)

type tables map[string]model.Table

func (ts tables) ReadTable(_ context.Context, id string) (model.Table, error) {
	t, ok := ts[id]
	if !ok {
		return model.Table{}, model.ErrNotFound
	}
	return t, nil
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func sampleResult() *Result {
	r := NewResult()
	r.Final["o1"] = "delivered"
	r.Trace = []TraceEntry{
		{At: "1s", Order: "o1", From: "pending", To: "preparing", Actor: "staff:ana", Version: 2},
		{At: "2s", Order: "o1", Line: "l1", From: "queued", To: "preparing", Actor: "cook:bo", Version: 2},
		{At: "5s", Order: "o1", From: "preparing", To: "delivered", Actor: "system:auto-advance", Automatic: true, Version: 3},
	}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	r := sampleResult()
	ts := tables{"t1": {ID: "t1"}}
	errs := EvaluateAssertions(context.Background(), r, []Assertion{
		{Type: AssertOrderStatus, Order: "o1", Status: "delivered"},
		{Type: AssertAuditCount, Order: "o1", Count: 3},
		{Type: AssertAuditCount, Order: "o1", Automatic: boolPtr(true), Count: 1},
		{Type: AssertAuditCount, Order: "o1", Automatic: boolPtr(false), Count: 2},
		{Type: AssertAuditContains, Order: "o1", To: "delivered", Actor: "system:auto-advance"},
		{Type: AssertAuditOrder, Order: "o1", Statuses: []string{"preparing", "delivered"}},
		{Type: AssertTable, Table: "t1", ActiveOrder: strPtr("")},
	}, ts)
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	r := sampleResult()
	ts := tables{"t1": {ID: "t1", ActiveOrder: "o1"}}

	tests := []struct {
		name string
		a    Assertion
		want string
	}{
		{"status", Assertion{Type: AssertOrderStatus, Order: "o1", Status: "pending"}, "o1 is pending"},
		{"unseeded", Assertion{Type: AssertOrderStatus, Order: "o9", Status: "pending"}, "order not seeded"},
		{"count", Assertion{Type: AssertAuditCount, Order: "o1", Automatic: boolPtr(true), Count: 2}, "2 automatic records"},
		{"contains", Assertion{Type: AssertAuditContains, Order: "o1", From: "ready"}, "from=ready"},
		{"order", Assertion{Type: AssertAuditOrder, Order: "o1", Statuses: []string{"delivered"}}, "[preparing delivered]"},
		{"table", Assertion{Type: AssertTable, Table: "t1", ActiveOrder: strPtr("")}, "t1 free"},
		{"missing table", Assertion{Type: AssertTable, Table: "t2", ActiveOrder: strPtr("")}, "read table t2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(context.Background(), r, []Assertion{tt.a}, ts)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrail(t *testing.T) {
	err := &AssertionError{
		Type:     AssertOrderStatus,
		Expected: "o1 is ready",
		Actual:   "delivered",
		Trace:    sampleResult().Trace[:1],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: order_status")
	assert.Contains(t, msg, "Expected: o1 is ready")
	assert.Contains(t, msg, "[1] 1s o1 pending->preparing by staff:ana")
}

func TestSnapshot(t *testing.T) {
	data, err := Snapshot("s", sampleResult())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario": "s"`)
	assert.Contains(t, string(data), `"line": "l1"`)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}
