package harness

// TraceEntry is one audit record as the harness reports it. At is the offset
// from the scenario start.
type TraceEntry struct {
	At        string `json:"at"`
	Order     string `json:"order"`
	Line      string `json:"line,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Actor     string `json:"actor"`
	Automatic bool   `json:"automatic"`
	Reason    string `json:"reason,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
	Version   int64  `json:"version"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace is the audit trail of every seeded order, order by order.
	Trace []TraceEntry `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// Final maps each seeded order to its final status.
	Final map[string]string `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
		Final:  make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
