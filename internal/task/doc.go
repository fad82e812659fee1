// Package task schedules background jobs such as group aggregate
// regeneration. Submission is cooperative deduplication rather than a global
// mutex: a job is rejected while a queued or running job of the same kind
// conflicts with it, jobs for disjoint resources run concurrently, and each
// kind is capped at a configurable number of parallel runs. Whether tasks run
// at all is explicit configuration passed at construction.
package task
