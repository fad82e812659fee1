// Package server wires the repository engine from configuration and exposes it
// through a thin Fiber HTTP surface. Bootstrap builds the shared blob store,
// path lock manager, remote connection pool, task coordinator and event bus,
// then constructs every configured repository in dependency order so group
// members are registered before the groups that borrow them. The HTTP layer
// only translates requests into Retrieve/Store/Delete/List calls and maps the
// engine's error kinds onto status codes.
package server
