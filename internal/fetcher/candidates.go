package fetcher

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkgcacher/pkgcacher/internal/config"
)

// Candidate is one upstream base URL to try for a vhost, in path_map order.
type Candidate struct {
	BaseURL  string
	Username string
	Password string
}

// ResolveCandidates builds the ordered candidate list for a vhost from
// path_map, honoring `user:pass@host` userinfo on individual entries for
// private mirrors; the credentials are sent as basic auth on every request
// to that candidate, and a 401 is not retried.
func ResolveCandidates(cfg *config.Config, vhost string) ([]Candidate, error) {
	hosts, ok := cfg.UpstreamCandidates(vhost)
	if !ok || len(hosts) == 0 {
		return nil, fmt.Errorf("fetcher: no path_map candidates for vhost %q", vhost)
	}

	candidates := make([]Candidate, 0, len(hosts))
	for _, host := range hosts {
		c, err := parseCandidate(host)
		if err != nil {
			return nil, fmt.Errorf("fetcher: vhost %q: %w", vhost, err)
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func parseCandidate(host string) (Candidate, error) {
	raw := host
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Candidate{}, fmt.Errorf("invalid candidate host %q: %w", host, err)
	}

	c := Candidate{}
	if u.User != nil {
		c.Username = u.User.Username()
		c.Password, _ = u.User.Password()
		u.User = nil
	}
	c.BaseURL = strings.TrimSuffix(u.String(), "/")
	return c, nil
}

// ResolveURL builds the request URL for uri against a candidate's base. If
// uri already carries a scheme it is used as-is (spec.md §4.3 step 1).
func ResolveURL(candidate Candidate, uri string) string {
	if strings.Contains(uri, "://") {
		return uri
	}
	trimmed := strings.TrimPrefix(uri, "/")
	return candidate.BaseURL + "/" + trimmed
}
