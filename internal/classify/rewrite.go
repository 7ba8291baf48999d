package classify

import (
	"net/url"
	"strings"
)

// pkgCacherPrefix is the optional path prefix clients may send, e.g. when
// pointed at this server via a path-based reverse proxy rule.
const pkgCacherPrefix = "/pkg-cacher/"

// NormalizeRequestPath percent-decodes raw and strips a leading
// "/pkg-cacher/" prefix, implementing the first half of spec.md §4.6's
// CLASSIFY step. It does not split vhost/uri; that remains the caller's
// job once it knows the configured vhost set.
func NormalizeRequestPath(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	decoded = strings.TrimPrefix(decoded, pkgCacherPrefix)
	decoded = strings.TrimPrefix(decoded, "/")
	return decoded, nil
}

// SplitVhost splits a normalized path into its leading vhost segment and
// the remaining uri, e.g. "debian/pool/x/foo.deb" -> ("debian",
// "pool/x/foo.deb").
func SplitVhost(path string) (vhost, uri string, ok bool) {
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, "", path != ""
	}
	return path[:idx], path[idx+1:], path[:idx] != ""
}
