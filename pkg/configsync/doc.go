// Package configsync reconciles the live selection and ordering with the
// persisted layout snapshot.
//
// Load fetches the snapshot and merges it into fresh state using the schema as
// the authority on valid keys. A missing, unreachable or malformed snapshot is
// never fatal: the result falls back to the schema defaults and records why.
//
// Enqueue is the write-through path used by mutation observers. Each call
// starts an independent background save tagged with a revision; a save whose
// revision is older than one that already landed is skipped, so the store
// always converges on the last mutation. Failures are logged and published as
// events but never returned to the caller. Wait blocks until pending saves are
// done.
package configsync
