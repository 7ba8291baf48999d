package admin

import (
	"sort"
	"strings"

	"github.com/pkgcacher/pkgcacher/internal/config"
)

// VhostSummary describes one entry of the configured path_map, as surfaced
// by GET /vhosts.
type VhostSummary struct {
	Name      string   `json:"name"`
	Upstreams []string `json:"upstreams"`
}

// vhostSummaries snapshots the live path_map off the given config. Unlike
// any-hub's HubRegistry (built once at startup from an immutable config
// file), pkg-cacher's path_map can change on SIGHUP (internal/config's
// Runtime.Reload), so the admin surface reads it fresh from the current
// Runtime snapshot on every request instead of caching a registry.
func vhostSummaries(cfg *config.Config) []VhostSummary {
	names := cfg.KnownVhosts()
	sort.Strings(names)

	summaries := make([]VhostSummary, 0, len(names))
	for _, name := range names {
		hosts, _ := cfg.UpstreamCandidates(name)
		summaries = append(summaries, VhostSummary{
			Name:      name,
			Upstreams: append([]string(nil), hosts...),
		})
	}
	return summaries
}

// findVhost reports whether name is a known vhost by exact, case-sensitive
// match, after trimming a trailing slash the way request paths arrive.
func findVhost(cfg *config.Config, name string) (VhostSummary, bool) {
	name = strings.TrimSuffix(name, "/")
	for _, v := range vhostSummaries(cfg) {
		if v.Name == name {
			return v, true
		}
	}
	return VhostSummary{}, false
}
