// Package storage archives finished jobs.
//
// The archive is write-mostly history: one compact record per job that
// reached a terminal status, readable newest-first. It is never used to
// restore the live registry.
//
// Drivers:
//   - "file":   JSON Lines, one record per line
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
