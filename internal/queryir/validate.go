package queryir

import (
	"errors"
	"fmt"
	"slices"
)

// Validate reports every problem with q: unknown tables or columns, empty
// In sets, negative limits. It returns nil for a query every backend can
// compile.
func Validate(q Query) error {
	v := &validator{}
	v.validateQuery(q)
	return errors.Join(v.problems...)
}

type validator struct {
	problems []error
	columns  []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Errorf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addProblem("nil query")
	case Select:
		v.validateSelect(query)
	case *Select:
		if query == nil {
			v.addProblem("nil query")
			return
		}
		v.validateSelect(*query)
	default:
		v.addProblem("unknown query type %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	cols, ok := Schema[sel.From]
	if !ok {
		v.addProblem("unknown table %q", sel.From)
		return
	}
	v.columns = cols

	if len(sel.Columns) == 0 {
		v.addProblem("select from %s names no columns", sel.From)
	}
	for _, c := range sel.Columns {
		v.checkColumn("column", c)
	}
	for _, c := range sel.OrderBy {
		v.checkColumn("order by", c)
	}
	if sel.Limit < 0 {
		v.addProblem("negative limit %d", sel.Limit)
	}
	v.validatePredicate(sel.Filter)
}

func (v *validator) checkColumn(where, name string) {
	if !slices.Contains(v.columns, name) {
		v.addProblem("%s: unknown field %q", where, name)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Equals:
		v.checkColumn("equals", pred.Field)
	case In:
		v.checkColumn("in", pred.Field)
		if len(pred.Values) == 0 {
			v.addProblem("in: %s has no values", pred.Field)
		}
	case Less:
		v.checkColumn("less", pred.Field)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}
