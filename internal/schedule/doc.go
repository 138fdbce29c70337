// Package schedule decides whether scheduled rules should fire.
//
// Every function here is pure: the result depends only on the arguments, so
// identical inputs always produce identical evaluations. "now" carries the
// location cron rules are evaluated in.
//
// A fire always reports NewLastEvaluatedAt = now rather than the matched
// window, which collapses any number of missed windows into one catch-up fire.
// Non-firing evaluations also report now; callers must not persist it blindly
// (see scheduler's stale refresh).
package schedule
