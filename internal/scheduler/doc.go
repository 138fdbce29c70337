// Package scheduler runs the tick loop that evaluates scheduled automation
// rules.
//
// # Lifecycle
//
// A Service is either stopped or running. Start runs one catch-up tick, arms
// the periodic tick and listens for host visibility changes, each of which
// triggers another catch-up tick. Start and Stop are idempotent, and every
// armed timer carries a generation number so a Start, Stop, Start sequence
// leaves exactly one live timer.
//
// # Ticks
//
// A tick reads all rules and tasks, asks the schedule package for fire
// candidates, then for each candidate persists the new evaluation timestamp
// before invoking the fire callback. Rules that did not fire are refreshed
// when their window has gone stale. Ticks never overlap.
//
// Failures are never fatal: a failed read aborts the tick, a failed write
// skips that rule until the next tick, and callback errors or panics are
// logged and contained.
package scheduler
