package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ordersync/internal/fixture"
	"github.com/roach88/ordersync/internal/lifecycle"
)

// Scenario is one scripted run.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// FastMode is in force from the start.
	FastMode FastMode `yaml:"fast_mode"`

	// Tick is the clock step between scheduler runs.
	Tick string `yaml:"tick,omitempty"`

	Setup fixture.Fixture `yaml:"setup"`
	Flow  []Step          `yaml:"flow,omitempty"`

	// RunUntil keeps the clock running after the last step.
	RunUntil string `yaml:"run_until,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// FastMode toggles the scheduler.
type FastMode struct {
	Enabled bool   `yaml:"enabled"`
	Delay   string `yaml:"delay,omitempty"`
}

// Step is one timed action. At most one of Transition, Line, FastMode and
// Settle is set.
type Step struct {
	At string `yaml:"at"`

	Transition *TransitionStep `yaml:"transition,omitempty"`
	Line       *LineStep       `yaml:"line,omitempty"`
	FastMode   *FastMode       `yaml:"fast_mode,omitempty"`

	// Settle marks the payment of the named order as confirmed.
	Settle string `yaml:"settle,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// TransitionStep requests an order transition.
type TransitionStep struct {
	Order  string `yaml:"order"`
	Event  string `yaml:"event"`
	Actor  string `yaml:"actor"`
	Role   string `yaml:"role,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// LineStep moves an order line through the kitchen.
type LineStep struct {
	Line   string `yaml:"line"`
	Status string `yaml:"status"`
	Actor  string `yaml:"actor"`
	Role   string `yaml:"role,omitempty"`
}

// Expect checks the outcome of a step. Error names a failure kind (see
// ErrorKind); without it the step must succeed.
type Expect struct {
	To    string `yaml:"to,omitempty"`
	NoOp  bool   `yaml:"no_op,omitempty"`
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state or the audit trail.
type Assertion struct {
	Type string `yaml:"type"`

	Order  string `yaml:"order,omitempty"`
	Status string `yaml:"status,omitempty"`

	// Automatic filters audit_count and audit_contains when set.
	Automatic *bool `yaml:"automatic,omitempty"`
	Count     int   `yaml:"count,omitempty"`

	From  string `yaml:"from,omitempty"`
	To    string `yaml:"to,omitempty"`
	Actor string `yaml:"actor,omitempty"`

	Statuses []string `yaml:"statuses,omitempty"`

	Table       string  `yaml:"table,omitempty"`
	ActiveOrder *string `yaml:"active_order,omitempty"`
}

// Assertion type constants.
const (
	AssertOrderStatus   = "order_status"
	AssertAuditCount    = "audit_count"
	AssertAuditContains = "audit_contains"
	AssertAuditOrder    = "audit_order"
	AssertTable         = "table"
)

// DefaultTick is the clock step when a scenario does not set one.
const DefaultTick = 100 * time.Millisecond

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if err := s.Setup.Validate(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := validateFastMode("fast_mode", s.FastMode); err != nil {
		return err
	}
	if s.Tick != "" {
		if d, err := time.ParseDuration(s.Tick); err != nil || d <= 0 {
			return fmt.Errorf("tick: %q is not a positive duration", s.Tick)
		}
	}
	if _, err := offset(s.RunUntil); err != nil {
		return fmt.Errorf("run_until: %w", err)
	}

	var last time.Duration
	for i, step := range s.Flow {
		at, err := offset(step.At)
		if err != nil {
			return fmt.Errorf("flow[%d].at: %w", i, err)
		}
		if at < last {
			return fmt.Errorf("flow[%d].at: %s is before the previous step", i, step.At)
		}
		last = at
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateFastMode(field string, fm FastMode) error {
	if fm.Delay == "" {
		return nil
	}
	if d, err := time.ParseDuration(fm.Delay); err != nil || d <= 0 {
		return fmt.Errorf("%s.delay: %q is not a positive duration", field, fm.Delay)
	}
	return nil
}

func validateStep(i int, step Step) error {
	actions := 0
	if step.Transition != nil {
		actions++
		if step.Transition.Order == "" || step.Transition.Event == "" {
			return fmt.Errorf("flow[%d].transition: order and event are required", i)
		}
	}
	if step.Line != nil {
		actions++
		if step.Line.Line == "" {
			return fmt.Errorf("flow[%d].line: line is required", i)
		}
		if _, ok := lifecycle.ParseLineStatus(step.Line.Status); !ok {
			return fmt.Errorf("flow[%d].line: unknown status %q", i, step.Line.Status)
		}
	}
	if step.FastMode != nil {
		actions++
		if err := validateFastMode(fmt.Sprintf("flow[%d].fast_mode", i), *step.FastMode); err != nil {
			return err
		}
	}
	if step.Settle != "" {
		actions++
	}
	if actions > 1 {
		return fmt.Errorf("flow[%d]: a step performs at most one action", i)
	}
	if step.Expect != nil && step.Transition == nil && step.Line == nil {
		return fmt.Errorf("flow[%d].expect: only transition and line steps have outcomes", i)
	}
	if step.Expect != nil && step.Expect.To != "" && step.Transition != nil {
		if _, ok := lifecycle.ParseStatus(step.Expect.To); !ok {
			return fmt.Errorf("flow[%d].expect: unknown status %q", i, step.Expect.To)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertOrderStatus:
		if a.Order == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: order and status are required for order_status", index)
		}
	case AssertAuditCount:
		if a.Order == "" {
			return fmt.Errorf("assertions[%d]: order is required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertAuditContains:
		if a.Order == "" {
			return fmt.Errorf("assertions[%d]: order is required for audit_contains", index)
		}
	case AssertAuditOrder:
		if a.Order == "" {
			return fmt.Errorf("assertions[%d]: order is required for audit_order", index)
		}
	case AssertTable:
		if a.Table == "" || a.ActiveOrder == nil {
			return fmt.Errorf("assertions[%d]: table and active_order are required for table", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// offset parses a step time. Empty means the scenario start.
func offset(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%q is negative", s)
	}
	return d, nil
}
