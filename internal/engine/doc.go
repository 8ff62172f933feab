// Package engine is the facade of the order lifecycle sync engine.
//
// It ties the pure state machine to the durable store, the audit log, the
// entity cache and the subscription multiplexer. Every transition, whether a
// human asked for it or fast mode fired it, takes the same path:
//
//  1. Fresh read of the order from the durable store (never the cache)
//  2. Guard facts gathered (line readiness, payment settlement)
//  3. Machine.Transition decides the target or rejects the event
//  4. Conditional write: version and status must still match
//  5. Audit append; failure is logged and reported on health, never returned
//  6. Table release when the order reached a terminal status
//
// CRITICAL PATTERNS:
//
// Idempotent retry:
// An event whose target the order has already reached returns a NoOp outcome
// and writes nothing. A conditional write that loses a race is re-read once;
// if the winner already moved the order to the target, the loser also gets a
// NoOp, otherwise model.ErrConflict.
//
// Reads for display go through the cache (GetOrder, GetTable) and never block
// on the store.
package engine
