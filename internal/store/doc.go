// Package store implements the on-disk content store: the three sibling
// paths per object key (body, header sidecar, completion marker), the
// content-addressed dedup pool, and the commit sequence that links a
// freshly fetched body into that pool (spec.md §3, §4.2).
//
// Store never blocks on network I/O; it only performs filesystem work,
// coordinating short critical sections through internal/lockmgr's global
// lock and delegating per-object serialization to per-entry body locks.
package store
