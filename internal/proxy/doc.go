// Package proxy implements proxy repositories: a local cache in front of a
// remote origin. Reads are served from the cache while fresh; misses and stale
// entries are fetched through a pooled remote transport, written back under
// the path's write lock, then served from the fresh local copy. Origin 404s
// are remembered in a bounded negative cache, transport failures are retried
// a bounded number of times, and a stale copy may be served when the origin is
// unavailable if the policy allows it.
package proxy
