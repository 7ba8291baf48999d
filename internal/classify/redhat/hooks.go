package redhat

import (
	"path"
	"strings"

	"github.com/pkgcacher/pkgcacher/internal/classify"
)

// pathOverride classifies by full URI: any path ending in .rpm, .srpm or
// .drpm is static, and anything under repodata/ is always index metadata,
// regardless of the opaque sha256-prefixed basenames repodata files carry.
func pathOverride(uri string) (classify.Kind, bool) {
	clean := canonicalPath(uri)
	if strings.Contains(clean, "/repodata/") {
		return classify.KindIndex, true
	}
	if strings.HasSuffix(clean, ".rpm") || strings.HasSuffix(clean, ".srpm") || strings.HasSuffix(clean, ".drpm") {
		return classify.KindStatic, true
	}
	return classify.KindForbidden, false
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return strings.ToLower(path.Clean("/" + strings.TrimSpace(p)))
}
