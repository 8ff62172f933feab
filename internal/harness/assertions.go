package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/ordersync/internal/model"
)

// TableReader is what the table assertion needs from the store.
type TableReader interface {
	ReadTable(ctx context.Context, id string) (model.Table, error)
}

// AssertionError is returned when an assertion fails.
// It includes the order's trail to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEntry
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nAudit trail:\n")
		for i, t := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s->%s by %s\n", i+1, t.At, t.Order, t.From, t.To, t.Actor)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, tables TableReader) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertOrderStatus:
			err = assertOrderStatus(result, a)
		case AssertAuditCount:
			err = assertAuditCount(result, a)
		case AssertAuditContains:
			err = assertAuditContains(result, a)
		case AssertAuditOrder:
			err = assertAuditOrder(result, a)
		case AssertTable:
			err = assertTable(ctx, tables, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// trailOf returns the records of one order, optionally without line records.
func trailOf(result *Result, orderID string, ordersOnly bool) []TraceEntry {
	var out []TraceEntry
	for _, t := range result.Trace {
		if t.Order != orderID || (ordersOnly && t.Line != "") {
			continue
		}
		out = append(out, t)
	}
	return out
}

func assertOrderStatus(result *Result, a Assertion) error {
	got, ok := result.Final[a.Order]
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("order %s", a.Order), Actual: "order not seeded"}
	}
	if got != a.Status {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s is %s", a.Order, a.Status),
			Actual:   got,
			Trace:    trailOf(result, a.Order, false),
		}
	}
	return nil
}

func assertAuditCount(result *Result, a Assertion) error {
	n := 0
	for _, t := range trailOf(result, a.Order, false) {
		if a.Automatic == nil || t.Automatic == *a.Automatic {
			n++
		}
	}
	if n != a.Count {
		what := "records"
		if a.Automatic != nil {
			what = "manual records"
			if *a.Automatic {
				what = "automatic records"
			}
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s for %s", a.Count, what, a.Order),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    trailOf(result, a.Order, false),
		}
	}
	return nil
}

func assertAuditContains(result *Result, a Assertion) error {
	trail := trailOf(result, a.Order, false)
	for _, t := range trail {
		if matches(t, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: describe(a),
		Actual:   "no matching record",
		Trace:    trail,
	}
}

func matches(t TraceEntry, a Assertion) bool {
	if a.From != "" && t.From != a.From {
		return false
	}
	if a.To != "" && t.To != a.To {
		return false
	}
	if a.Actor != "" && t.Actor != a.Actor {
		return false
	}
	if a.Automatic != nil && t.Automatic != *a.Automatic {
		return false
	}
	return true
}

func describe(a Assertion) string {
	var parts []string
	if a.From != "" {
		parts = append(parts, "from="+a.From)
	}
	if a.To != "" {
		parts = append(parts, "to="+a.To)
	}
	if a.Actor != "" {
		parts = append(parts, "actor="+a.Actor)
	}
	if a.Automatic != nil {
		parts = append(parts, fmt.Sprintf("automatic=%t", *a.Automatic))
	}
	return fmt.Sprintf("record for %s with %s", a.Order, strings.Join(parts, " "))
}

func assertAuditOrder(result *Result, a Assertion) error {
	trail := trailOf(result, a.Order, true)
	got := make([]string, len(trail))
	for i, t := range trail {
		got[i] = t.To
	}
	if strings.Join(got, ",") != strings.Join(a.Statuses, ",") {
		return &AssertionError{
			Type:     a.Type,
			Expected: "[" + strings.Join(a.Statuses, " ") + "]",
			Actual:   "[" + strings.Join(got, " ") + "]",
			Trace:    trail,
		}
	}
	return nil
}

func assertTable(ctx context.Context, tables TableReader, a Assertion) error {
	t, err := tables.ReadTable(ctx, a.Table)
	if err != nil {
		return fmt.Errorf("read table %s: %w", a.Table, err)
	}
	if t.ActiveOrder != *a.ActiveOrder {
		want, got := *a.ActiveOrder, t.ActiveOrder
		if want == "" {
			want = "free"
		}
		if got == "" {
			got = "free"
		}
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s %s", a.Table, want), Actual: got}
	}
	return nil
}
