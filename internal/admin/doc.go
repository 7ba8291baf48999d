// Package admin hosts the diagnostics-only Fiber application bound to
// admin_addr/admin_port (spec.md §6). It never sits in the client request
// path (that path is served by internal/handler over plain net/http) and
// exposes read-only introspection of the running daemon: process/host
// health, the configured vhost map, and a directory listing of cached
// packages.
package admin
