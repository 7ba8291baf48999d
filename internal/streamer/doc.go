// Package streamer implements the streaming reader of spec.md §4.5: it
// serves a store body file to an HTTP client while that file may still be
// growing under an in-progress fetch, following the writer with bounded
// polling instead of assuming the body is already complete.
package streamer
