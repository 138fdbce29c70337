// Package election picks one leader among cooperating processes that share a
// broadcast Bus.
//
// Every elector starts as a candidate and broadcasts a claim. When its claim
// window closes without a lower id showing up, it becomes leader and sends a
// heartbeat every HeartbeatInterval. Followers that hear nothing for
// LeaderTimeout claim again, and a resign from the leader triggers a jittered
// re-claim. Without a bus an elector leads immediately and never contests.
//
// The elector never holds its lock while publishing or invoking callbacks,
// so buses may deliver synchronously.
package election
