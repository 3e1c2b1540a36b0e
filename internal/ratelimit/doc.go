// Package ratelimit implements chatgate's flow control.
//
// Two independent mechanisms share one mutex:
//
//   - A sliding window of operation timestamps per user. The first
//     operation past the budget trips a global degraded flag, after which
//     every user is refused until an operator resets it. There is no
//     automatic recovery.
//   - A per-user count of in-flight requests. Admit reserves a slot and
//     returns a release func. Login requests skip the degraded check but
//     still count against the concurrency cap.
//
// State is in memory and per process.
package ratelimit
