package config

import (
	"fmt"
	"sync/atomic"
)

// structural fields may not change across a reload; a reload attempt that
// touches one of them is rejected (spec.md §5: "structural fields ...
// immutable after startup").
type structuralFingerprint struct {
	cacheDir   string
	daemonPort int
	daemonAddr string
	adminPort  int
	adminAddr  string
	logDir     string
}

func fingerprint(c *Config) structuralFingerprint {
	return structuralFingerprint{
		cacheDir:   c.CacheDir,
		daemonPort: c.DaemonPort,
		daemonAddr: c.DaemonAddr,
		adminPort:  c.AdminPort,
		adminAddr:  c.AdminAddr,
		logDir:     c.LogDir,
	}
}

// Runtime holds the currently active configuration snapshot. Readers call
// Current() to get a consistent view; Reload() atomically swaps in a new
// snapshot built from a freshly loaded config file, keeping structural
// fields pinned to their startup values (spec.md §9: "one atomic pointer
// for hot-swapped config on reload").
type Runtime struct {
	current  atomic.Pointer[Config]
	startFP  structuralFingerprint
}

// NewRuntime creates a Runtime pinned to the given initial configuration.
func NewRuntime(initial *Config) *Runtime {
	r := &Runtime{startFP: fingerprint(initial)}
	r.current.Store(initial)
	return r
}

// Current returns the active configuration snapshot. Callers must not
// mutate the returned value; treat it as immutable.
func (r *Runtime) Current() *Config {
	return r.current.Load()
}

// Reload validates candidate, checks that structural fields are unchanged,
// then swaps in a new snapshot built from the current one plus candidate's
// mutable fields. It never mutates the previous snapshot, so in-flight
// requests holding a reference to it continue seeing consistent values.
func (r *Runtime) Reload(candidate *Config) error {
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}
	if got := fingerprint(candidate); got != r.startFP {
		return fmt.Errorf("reload rejected: structural fields changed (cache_dir/daemon_port/daemon_addr/admin_port/admin_addr/logdir are immutable after startup)")
	}

	prev := r.current.Load()
	next := *prev
	next.ACL = candidate.ACL
	next.OfflineMode = candidate.OfflineMode
	next.ExpireHours = candidate.ExpireHours
	next.UseETags = candidate.UseETags
	next.Proxy = candidate.Proxy
	next.RequireValidSSL = candidate.RequireValidSSL
	next.Limit = candidate.Limit
	next.FetchTimeout = candidate.FetchTimeout
	next.Debug = candidate.Debug
	next.PathMap = candidate.PathMap
	next.PathMapRaw = candidate.PathMapRaw
	next.TreatAmbiguousRevalidationAsExpired = candidate.TreatAmbiguousRevalidationAsExpired

	r.current.Store(&next)
	return nil
}

// ToggleDebug atomically flips the debug flag, mirroring spec.md §5's
// "debug-toggle signal flips the debug flag atomically".
func (r *Runtime) ToggleDebug() bool {
	for {
		prev := r.current.Load()
		next := *prev
		next.Debug = !prev.Debug
		if r.current.CompareAndSwap(prev, &next) {
			return next.Debug
		}
	}
}
