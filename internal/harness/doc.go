// Package harness runs order lifecycle scenarios against a real engine,
// store and fast mode scheduler on a manual clock.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: fast_mode_auto_delivers
//	description: "Nobody touches the order; fast mode delivers it"
//	fast_mode:
//	  enabled: true
//	  delay: 5s
//	setup:
//	  orders:
//	    - id: o1
//	flow:
//	  - at: 2s
//	    transition: { order: o1, event: start_preparing, actor: "staff:ana" }
//	    expect: { to: preparing }
//	  - at: 3s
//	    fast_mode: { enabled: false }
//	run_until: 10s
//	assertions:
//	  - type: order_status
//	    order: o1
//	    status: delivered
//	  - type: audit_count
//	    order: o1
//	    automatic: true
//	    count: 1
//
// setup uses the fixture format of the seed command. Every flow step runs at
// its offset from the scenario start. A step without an action is a plain
// wait.
//
// # Assertion Types
//
//   - order_status: the order's final status
//   - audit_count: number of audit records, optionally only automatic or manual ones
//   - audit_contains: some record matches every given field
//   - audit_order: the order's transition targets, in order
//   - table: the table's active order ("" for free)
//
// # Determinism
//
// Each run gets a fresh in-memory SQLite database and a manual clock starting
// at Epoch. The clock moves in ticks (100ms unless the scenario sets tick) and
// queued automatic transitions run after every tick, so the audit trail of a
// scenario is identical across runs and can be compared with a golden file.
package harness
