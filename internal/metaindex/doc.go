// Package metaindex is a durable, optional performance layer over
// internal/store: a bbolt-backed memo of each object's last-known
// ETag/Last-Modified (the record's pool-location, size and timestamp fields
// are left empty by internal/coordinator), so internal/coordinator's
// freshness revalidation (spec.md §4.4) doesn't have to open and parse the
// header sidecar file from disk on every request. It is grounded on
// wolfeidau-content-cache's metadb.EnvelopeIndex, which uses the same
// bbolt-JSON-envelope shape to memoize per-key metadata.
//
// The index is a cache of a cache: every coordinator code path that
// consults it also has a disk-backed fallback, and a missing, empty, or
// corrupt index degrades to that fallback rather than to an error.
package metaindex
