// Package artifact holds the vocabulary shared by every layer of the engine:
// canonical artifact paths, blob header maps, the attributes returned by a
// retrieval, and the error taxonomy (NotFound, AlreadyExists, CorruptHeader,
// RemoteUnavailable, LockTimeout, ...). It has no dependencies on storage or
// transport so the blob store, lock manager and repositories can all import it.
package artifact
