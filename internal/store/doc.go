// Package store provides the SQLite-backed durable store for orders, order
// lines, tables, payments and the audit log.
//
// The store is the single source of truth. Every mutation is a conditional
// write inside a transaction:
//
//	UPDATE orders SET status = ?, version = version + 1
//	WHERE id = ? AND version = ? AND status IN (...)
//
// Zero affected rows means someone else changed the row first and the caller
// gets model.ErrConflict. After commit the store publishes a feed.Change on
// its in-process hub; Open implements feed.Source over that hub.
//
// # Critical Patterns
//
// First-write-wins stamps:
//   - order_stamps has PRIMARY KEY(order_id, status) and is written with
//     ON CONFLICT DO NOTHING, so a transition timestamp is never overwritten.
//
// Idempotent audit:
//   - audit_log.id is content-addressed (see package audit) and UNIQUE; a
//     retried append is silently absorbed.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - _txlock=immediate: transactions take the write lock up front, so two
//     processes racing on the same row serialize instead of failing with
//     SQLITE_BUSY on lock upgrade
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: lines cannot outlive their order
//
// All timestamps are stored as INTEGER unix nanoseconds (UTC) and all money as
// TEXT decimals.
package store
