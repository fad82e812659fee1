// Package remote implements the pooled HTTP(S) transport proxy repositories
// use to reach their origins.
//
// A connection is a lease on one slot of a per-origin pool. Callers check a
// lease out, issue exactly one Fetch on it, then Return it (success) or
// Discard it (transport error, timeout, cancellation). Return and Discard are
// idempotent and close any response body still attached to the lease, so a
// deferred Return/Discard is enough to guarantee that pooled connections never
// leak however the fetch ends.
package remote
