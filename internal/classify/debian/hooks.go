package debian

import (
	"path"
	"strings"

	"github.com/pkgcacher/pkgcacher/internal/classify"
)

// pathOverride classifies by full URI where basename alone is ambiguous:
// by-hash entries are always static, since APT's content-addressed by-hash
// names are opaque digests; pool/ entries are static only when their
// basename matches a static pattern, and otherwise fall through to the
// basename regex sets like any other path.
func pathOverride(uri string) (classify.Kind, bool) {
	clean := canonicalPath(uri)
	if isByHashPath(clean) {
		return classify.KindStatic, true
	}
	if isPoolPath(clean) && classify.Classify(path.Base(uri)) == classify.KindStatic {
		return classify.KindStatic, true
	}
	if isDistsMetadataPath(clean) {
		return classify.KindIndex, true
	}
	return classify.KindForbidden, false
}

func isPoolPath(p string) bool {
	return strings.Contains(p, "/pool/")
}

func isByHashPath(p string) bool {
	return strings.Contains(p, "/by-hash/")
}

func isDistsMetadataPath(p string) bool {
	if !strings.Contains(p, "/dists/") {
		return false
	}
	base := path.Base(p)
	switch {
	case base == "release", base == "inrelease", base == "release.gpg":
		return true
	case strings.HasPrefix(base, "packages"), strings.HasPrefix(base, "sources"), strings.HasPrefix(base, "contents-"):
		return true
	}
	return false
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return strings.ToLower(path.Clean("/" + strings.TrimSpace(p)))
}
