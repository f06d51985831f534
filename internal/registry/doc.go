// Package registry is the in-process source of truth for strategies.
//
// All strategy state lives in one map guarded by one mutex; every operation
// is a validate-then-locked-read-modify-write sequence, so concurrent API
// calls cannot interleave partial updates. The durable store remains the
// system of record; the registry is a write-through cache over it.
//
// The registry also owns dispatch (routing one inbound channel message to
// every eligible strategy) and channel synchronization (keeping the gateway
// listening to exactly the channels active strategies reference).
package registry
