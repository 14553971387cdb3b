// Package stores keeps a journal of converge runs in SQLite: one row per
// invocation, one per host pass and one per converged resource. The schema
// is migrated with golang-migrate from embedded SQL files.
package stores
