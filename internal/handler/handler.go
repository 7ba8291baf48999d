// Package handler implements the request pipeline of spec.md §4.6:
// READ_REQUEST → AUTHORISE → CLASSIFY → COORDINATE → STREAM, wired as a
// plain net/http.Handler so it composes with the standard library's
// server, the inetd single-connection listener, and net/http/cgi alike
// (see internal/listener).
package handler

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pkgcacher/pkgcacher/internal/acl"
	"github.com/pkgcacher/pkgcacher/internal/classify"
	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/coordinator"
	"github.com/pkgcacher/pkgcacher/internal/logging"
	"github.com/pkgcacher/pkgcacher/internal/store"
	"github.com/pkgcacher/pkgcacher/internal/streamer"
)

// maxVanishRetries bounds how many times a single request re-enters the
// coordinator after observing a vanished (crashed) fetcher, per spec.md
// §4.5 step 7.
const maxVanishRetries = 3

// Handler implements the full request pipeline.
type Handler struct {
	rt     *config.Runtime
	store  *store.Store
	coord  *coordinator.Coordinator
	access *logging.AccessLog
	errLog *logrus.Logger
	opts   streamer.Options
}

// New builds a Handler over the coordinator/store the daemon already
// wired, plus the access/error log sinks.
func New(rt *config.Runtime, st *store.Store, coord *coordinator.Coordinator, access *logging.AccessLog, errLog *logrus.Logger, opts streamer.Options) *Handler {
	return &Handler{rt: rt, store: st, coord: coord, access: access, errLog: errLog, opts: opts}
}

// ServeHTTP implements the state machine of spec.md §4.6.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := clientAddr(r)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.fault("client", "unsupported method "+r.Method, client)
		http.Error(w, "method not allowed", http.StatusForbidden)
		return
	}
	if r.Host == "" {
		h.fault("client", "missing Host header", client)
		http.Error(w, "Host header required", http.StatusBadRequest)
		return
	}
	if r.URL.IsAbs() {
		h.fault("client", "absolute-form request target rejected (no general proxying)", client)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	cfg := h.rt.Current()

	if !h.authorise(cfg, client) {
		h.fault("client", "ACL denied "+client, client)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	key, kind, ok := h.classify(cfg, r.URL.Path)
	if !ok {
		h.fault("client", "unclassifiable path "+r.URL.Path, client)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	h.coordinateAndStream(w, r, key, kind, client)
}

// coordinateAndStream runs COORDINATE + STREAM, re-entering the
// coordinator up to maxVanishRetries times when the streamer reports a
// crashed fetcher (spec.md §4.5 step 7).
func (h *Handler) coordinateAndStream(w http.ResponseWriter, r *http.Request, key store.Key, kind classify.Kind, client string) {
	for attempt := 0; attempt < maxVanishRetries; attempt++ {
		decision, err := h.coord.Coordinate(r.Context(), key, kind, r.Header)
		if err != nil {
			h.reportCoordinateFault(w, err, client)
			return
		}

		served, serr := streamer.Stream(r.Context(), w, r, h.store, key, decision.Body, h.opts)
		decision.Body.Close()

		if serr != nil && errors.Is(serr, streamer.ErrFetcherVanished) {
			continue
		}
		if serr != nil {
			h.fault("upstream", serr.Error(), client)
		}

		h.access.Log(client, string(decision.Status), key.Basename(), served)
		return
	}

	h.fault("upstream", "exceeded crash-recovery retries for "+key.Vhost+"/"+key.URI, client)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

func (h *Handler) reportCoordinateFault(w http.ResponseWriter, err error, client string) {
	switch {
	case errors.Is(err, coordinator.ErrConfigFault):
		h.fault("config", err.Error(), client)
		http.Error(w, "configuration error", http.StatusInternalServerError)
	case strings.Contains(err.Error(), "offline_mode"):
		h.fault("upstream", err.Error(), client)
		http.Error(w, "service unavailable (offline)", http.StatusServiceUnavailable)
	default:
		h.fault("upstream", err.Error(), client)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// authorise implements AUTHORISE (spec.md §4.6): localhost always passes,
// otherwise the peer must satisfy the configured allow/deny lists.
func (h *Handler) authorise(cfg *config.Config, client string) bool {
	addr, err := parseClientIP(client)
	if err != nil {
		return false
	}

	allow4, err := acl.Compile(cfg.ACL.AllowedHosts)
	if err != nil {
		h.fault("config", "malformed allowed_hosts: "+err.Error(), client)
		return false
	}
	deny4, err := acl.Compile(cfg.ACL.DeniedHosts)
	if err != nil {
		h.fault("config", "malformed denied_hosts: "+err.Error(), client)
		return false
	}
	allow6, err := acl.Compile(cfg.ACL.AllowedHosts6)
	if err != nil {
		h.fault("config", "malformed allowed_hosts_6: "+err.Error(), client)
		return false
	}
	deny6, err := acl.Compile(cfg.ACL.DeniedHosts6)
	if err != nil {
		h.fault("config", "malformed denied_hosts_6: "+err.Error(), client)
		return false
	}

	policy := acl.Policy{Allowed4: allow4, Denied4: deny4, Allowed6: allow6, Denied6: deny6}
	return policy.Authorise(addr)
}

// classify implements CLASSIFY (spec.md §4.6): normalize the path, split
// vhost/uri, verify the vhost is known, and reject unrecognised basenames.
func (h *Handler) classify(cfg *config.Config, rawPath string) (store.Key, classify.Kind, bool) {
	normalized, err := classify.NormalizeRequestPath(rawPath)
	if err != nil {
		return store.Key{}, classify.KindForbidden, false
	}

	vhost, uri, ok := classify.SplitVhost(normalized)
	if !ok || uri == "" {
		return store.Key{}, classify.KindForbidden, false
	}
	if _, known := cfg.UpstreamCandidates(vhost); !known {
		return store.Key{}, classify.KindForbidden, false
	}

	key := store.Key{Vhost: vhost, URI: uri}
	kind := classify.ClassifyPath(uri, key.Basename())
	if kind == classify.KindForbidden {
		return store.Key{}, classify.KindForbidden, false
	}
	return key, kind, true
}

func (h *Handler) fault(category, detail, client string) {
	if h.errLog == nil {
		return
	}
	h.errLog.WithFields(logging.FaultFields(category, detail)).WithField("client", client).Warn("request fault")
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseClientIP(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	// net.SplitHostPort may leave a zone-scoped literal (e.g. "fe80::1%eth0");
	// fall back to net.ParseIP -> netip conversion for those.
	ip := net.ParseIP(host)
	if ip == nil {
		return netip.Addr{}, &net.AddrError{Err: "invalid client address", Addr: host}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, &net.AddrError{Err: "invalid client address", Addr: host}
	}
	return addr, nil
}
