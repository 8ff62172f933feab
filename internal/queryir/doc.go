// Package queryir describes reads against the order store as data.
//
// A Select names a table, the columns to return, a filter built from
// predicates and an ordering. Backends compile it to their own SQL (see
// querysql), so the SQLite and PostgreSQL stores answer the same filtered
// listing with the same semantics.
//
// Query and Predicate are sealed: only this package implements them, so a
// backend's type switch is exhaustive.
//
// Every column a query mentions must appear in Schema. Validate enforces
// this before compilation because column names are written into the SQL
// text while values never are.
package queryir
