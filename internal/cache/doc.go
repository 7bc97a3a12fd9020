// Package cache defines the named, versioned response stores owned by the
// interception engine. A Registry enumerates, opens and deletes stores; a
// Store is an overwrite-only key→Entry table keyed by normalized request
// identity ("<METHOD> <absolute URL>"). Two backends are provided: a
// filesystem layout under StoragePath/<store>/ that writes each entry with
// temp file + rename, and a SQLite database for hosts that prefer a single
// file. Writes are whole-entry replaces; concurrent writers are last write
// wins and no per-key locking is performed.
package cache
