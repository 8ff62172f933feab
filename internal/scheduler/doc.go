// Package scheduler implements fast mode: orders that sit in an eligible
// status longer than a configured delay are moved to delivered automatically,
// at most once per eligibility episode.
//
// # Bookkeeping
//
// Each tracked order has one entry in a sync.Map. The entry's state is a
// single atomic word, armed, claimed or cancelled, and every path that can
// race on an order (timer fire, live observation, reconciliation sweep,
// disable) moves it with compare-and-swap:
//
//	armed -> claimed     fire; the conditional write may now be issued
//	armed -> cancelled   observe/sweep found the order ineligible, or disable
//
// Exactly one of these can win for an entry. A claimed entry is never
// re-armed: it stays in the map until the order is observed leaving the
// eligible set, so a failed or lost write is not retried.
//
// Disable bumps a generation counter before cancelling entries. A fire only
// claims when fast mode is on and its entry was armed in the current
// generation, so nothing claims after Disable returns. A write claimed before
// that point is allowed to complete; the transition is idempotent.
//
// # Goroutines
//
// Timer callbacks only enqueue. Run starts a bounded pool of workers that
// perform the writes, the sweep loop, and the settings loop, under one
// errgroup.
package scheduler
