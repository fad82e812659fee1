// Package blobstore implements the durable local blob store: one opaque payload
// plus one flat header map per key, laid out on disk as
//
//	<root>/blobs/<key>          # payload
//	<root>/headers/<key>.json   # header sidecar (commit marker)
//	<root>/.tmp/                # staging area for in-flight writes
//
// Writes stream into .tmp, are fsynced, then published by renaming the payload
// and finally the header. A blob is visible only once its header exists, so a
// reader never observes a payload without headers or a truncated payload. The
// store knows nothing about repositories; callers choose the keys.
package blobstore
