// Package pathlock provides keyed reader/writer locks scoped to
// (repository, canonical path). Any number of readers may hold a key at once;
// a writer is exclusive. Waiters queue in FIFO order so a writer is never
// starved by a steady stream of readers. Acquisition is bounded by a
// configurable timeout and by the caller's context. Lock entries are created
// on demand and reclaimed when their last holder releases them, so memory
// tracks the number of keys in use rather than the number ever seen.
package pathlock
