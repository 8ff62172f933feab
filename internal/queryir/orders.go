package queryir

import (
	"time"

	"github.com/roach88/ordersync/internal/lifecycle"
)

// OrderFilter selects orders for listings and sweeps. Zero fields do not
// filter.
type OrderFilter struct {
	Statuses      []lifecycle.Status `form:"status" json:"statuses,omitempty"`
	Table         string             `form:"table" json:"table,omitempty"`
	CreatedBefore time.Time          `form:"before" time_format:"2006-01-02T15:04:05Z07:00" json:"created_before,omitzero"`
	Limit         int                `form:"limit" json:"limit,omitempty"`
}

// Orders builds the query for f: order ids, oldest first.
func Orders(f OrderFilter) Select {
	var preds []Predicate
	if len(f.Statuses) > 0 {
		vals := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		preds = append(preds, In{Field: "status", Values: vals})
	}
	if f.Table != "" {
		preds = append(preds, Equals{Field: "table_ref", Value: f.Table})
	}
	if !f.CreatedBefore.IsZero() {
		// Both stores keep created_at as UTC unix nanoseconds.
		preds = append(preds, Less{Field: "created_at", Value: f.CreatedBefore.UTC().UnixNano()})
	}

	sel := Select{
		From:    "orders",
		Columns: []string{"id"},
		OrderBy: []string{"created_at"},
		Limit:   f.Limit,
	}
	switch len(preds) {
	case 0:
	case 1:
		sel.Filter = preds[0]
	default:
		sel.Filter = And{Predicates: preds}
	}
	return sel
}
