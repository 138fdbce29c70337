// Package storage persists automation rules and tasks.
//
// Drivers:
//   - "memory": process-local maps, used by tests and one-shot CLI runs
//   - "file": the memory store plus a JSON snapshot rewritten on every change
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// All repositories are safe for concurrent use. Writes are last-write-wins.
package storage
