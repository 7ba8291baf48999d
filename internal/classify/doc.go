// Package classify holds the per-distro-family classification rules the
// request handler consults during CLASSIFY (spec.md §4.6): two regex
// sets, static_files (immutable artifacts cached indefinitely by name) and
// index_files (mutable metadata subject to freshness revalidation),
// contributed by the debian and redhat submodules and merged at query
// time by Classify.
package classify
