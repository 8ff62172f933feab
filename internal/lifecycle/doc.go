// Package lifecycle defines the legal states of an order and its lines and the
// transitions between them.
//
// The package is pure: no I/O, no clocks, no logging. Callers gather the facts
// a guarded edge needs (are all lines ready, is the payment settled) and pass
// them in; the machine answers with the next status or a *TransitionError.
//
// # Edge table
//
//	pending         --start_preparing-->  preparing
//	preparing       --mark_ready------->  ready            [lines_ready]
//	ready           --serve------------>  dining
//	ready           --deliver---------->  delivered
//	dining          --request_payment-->  payment_pending
//	delivered       --request_payment-->  payment_pending
//	payment_pending --complete--------->  completed        [payment_settled]
//	preparing       --override_serve--->  dining           [privileged]
//	pending|preparing|ready --fast_deliver--> delivered    [system only]
//	any non-terminal --cancel---------->  cancelled
//
// Privileged and system-only edges are ordinary rows of the table, not
// conditionals at call sites. Both report the intermediate states they skip so
// the audit trail can record them.
//
// # Idempotent retry
//
// Re-applying an event whose target the order has already reached (or moved
// past on the forward path) is a no-op success. Human actions and the fast
// mode scheduler race to perform the same advance; whoever loses sees NoOp.
package lifecycle
