// Package stores provides the persistence backends for sheetsmith's layout
// configuration. Every backend stores the same JSON snapshot (see PersistedConfig)
// behind the ConfigStore interface:
//
//   - FileStore keeps a single JSON document on disk and can watch it for
//     external edits.
//   - SQLiteStore keeps a revision history per profile in SQLite with WAL mode
//     and embedded migrations.
//   - HTTPStore talks to a running sheetsmith server.
package stores
