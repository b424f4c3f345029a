// Package octagon implements the trust state machines of a device: a
// serialized, persistent transition engine, the join protocol by which a new
// device is vouched for and admitted to the trust group, and the escrow
// recovery flow.
//
// Every machine runs its transitions one at a time. A transition names the
// states it may start from, an operation and a deadline; requests from any
// other state are rejected without side effects, and an operation that misses
// its deadline is cancelled and the machine moved to the request's error
// state. The current state, flags and protocol values are persisted after
// every change so a restarted process resumes a half-finished protocol.
package octagon
