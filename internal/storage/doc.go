// Package storage records in-flight job executions so that executions cut
// short by a crash or an immediate shutdown can be re-fired on the next
// start.
//
// Drivers:
//   - memory: process-local, the default
//   - file: JSON Lines journal compacted into a snapshot
//   - sqlite: single-file database (modernc.org/sqlite, no cgo)
package storage
