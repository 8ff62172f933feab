package queryir

// Query is a read against one store table.
type Query interface {
	queryNode()
}

// Predicate is a filter condition.
//
// Predicate types:
//   - Equals: field = value
//   - In: field is one of values
//   - Less: field < value
//   - And: all predicates hold (empty = always true)
type Predicate interface {
	predicateNode()
}

// Select reads Columns from From.
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order_by>, id LIMIT <limit>
//
// Ordering always ends on id so results are deterministic. A zero Limit
// means no limit.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate // nil = every row
	OrderBy []string
	Limit   int
}

func (Select) queryNode() {}

// Equals matches rows whose field equals Value.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// In matches rows whose field is one of Values. Values must not be empty.
type In struct {
	Field  string
	Values []any
}

func (In) predicateNode() {}

// Less matches rows whose field is strictly below Value.
type Less struct {
	Field string
	Value any
}

func (Less) predicateNode() {}

// And is a conjunction.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Schema lists the queryable columns of each store table.
var Schema = map[string][]string{
	"orders":      {"id", "status", "table_ref", "subtotal", "tax", "discount", "total", "created_at", "version"},
	"order_lines": {"id", "order_id", "position", "name", "quantity", "unit_price", "status", "version"},
	"tables":      {"id", "name", "active_order", "version"},
	"audit_log":   {"id", "order_id", "from_status", "to_status", "actor", "automatic", "version", "at"},
}
