package fetcher

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/pkgcacher/pkgcacher/internal/config"
)

// defaultTransport tunes idle-connection reuse and timeouts shared across
// all upstream requests.
var defaultTransport = &http.Transport{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second, // spec.md §5: "upstream connect timeout: fixed short budget (≈10s)"
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient builds the shared http.Client used for all upstream
// fetches, honoring the record's proxy, TLS verification, and egress
// interface settings (spec.md §4.3).
func NewUpstreamClient(cfg *config.Config) (*http.Client, error) {
	transport := defaultTransport.Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.RequireValidSSL}

	if cfg.UseInterface != "" {
		localAddr, err := resolveInterfaceAddr(cfg.UseInterface)
		if err != nil {
			return nil, err
		}
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			LocalAddr: localAddr,
		}
		transport.DialContext = dialer.DialContext
	}

	if cfg.Proxy.Use {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			raw := cfg.Proxy.HTTP
			if req.URL.Scheme == "https" && cfg.Proxy.HTTPS != "" {
				raw = cfg.Proxy.HTTPS
			}
			if raw == "" {
				return nil, nil
			}
			proxyURL, err := url.Parse(raw)
			if err != nil {
				return nil, err
			}
			if cfg.Proxy.UseAuth {
				auth := cfg.Proxy.HTTPAuth
				if req.URL.Scheme == "https" {
					auth = cfg.Proxy.HTTPSAuth
				}
				if auth != "" {
					proxyURL.User = url.UserPassword(splitAuth(auth))
				}
			}
			return proxyURL, nil
		}
	} else {
		transport.Proxy = nil
	}

	return &http.Client{
		Transport: transport,
		// No client-level timeout: fetches are bounded by the stall
		// timeout enforced by internal/fetcher's own progress tracking,
		// which must be able to allow long, slow-but-progressing
		// downloads to run to completion.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

func resolveInterfaceAddr(name string) (*net.TCPAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		if ip := net.ParseIP(name); ip != nil {
			return &net.TCPAddr{IP: ip}, nil
		}
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil || len(addrs) == 0 {
		return nil, err
	}
	if ipNet, ok := addrs[0].(*net.IPNet); ok {
		return &net.TCPAddr{IP: ipNet.IP}, nil
	}
	return nil, nil
}

func splitAuth(auth string) (string, string) {
	for i := 0; i < len(auth); i++ {
		if auth[i] == ':' {
			return auth[:i], auth[i+1:]
		}
	}
	return auth, ""
}

// forwardedHeaders lists the exact fields spec.md §4.5 step 2 says to keep
// from the cached header sidecar when answering a client: "Last-Modified,
// Content-*, Accept-*, ETag, Age". Everything else recorded from upstream
// (Server, Vary, Set-Cookie, Via, upstream Cache-Control, X-* diagnostics,
// hop-by-hop fields, ...) stays in the sidecar for revalidation but is
// never repeated to a client.
var forwardedHeaders = map[string]struct{}{
	"Last-Modified": {},
	"Etag":          {},
	"Age":           {},
}

// CopyHeaders copies only the headers spec.md §4.5 step 2 allows a response
// to carry from src to dst: Last-Modified, Content-*, Accept-*, ETag, and
// Age. Anything else recorded from upstream is dropped rather than
// forwarded, which is stricter than a hop-by-hop blocklist would be.
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if !IsForwardableHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsForwardableHeader reports whether spec.md §4.5 step 2's allow-list
// permits key to be copied into a client-facing response.
func IsForwardableHeader(key string) bool {
	canon := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := forwardedHeaders[canon]; ok {
		return true
	}
	return strings.HasPrefix(canon, "Content-") || strings.HasPrefix(canon, "Accept-")
}
