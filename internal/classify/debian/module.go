// Package debian registers classification rules for Debian/Ubuntu APT
// repositories: pool/ artifacts and by-hash entries are static, dists/
// metadata (Release, Packages*, Sources*, Contents-*) is a revalidated
// index.
package debian

import "github.com/pkgcacher/pkgcacher/internal/classify"

var staticPatterns = []string{
	`\.deb$`,
	`\.udeb$`,
	`\.dsc$`,
	`\.tar\.(gz|xz|bz2|lzma)$`,
	`\.diff\.gz$`,
	`\.buildinfo$`,
	`\.changes$`,
	`^Release\.gpg$`,
	`^[0-9a-fA-F]{40}$`, // by-hash SHA-1 digest basenames
	`^[0-9a-fA-F]{64}$`, // by-hash SHA-256 digest basenames
}

var indexPatterns = []string{
	`^Release$`,
	`^InRelease$`,
	`^Packages(\.gz|\.xz|\.bz2)?$`,
	`^Sources(\.gz|\.xz|\.bz2)?$`,
	`^Contents-[^/]+(\.gz|\.xz)?$`,
}

func init() {
	classify.MustRegister(classify.ModuleMetadata{
		Key:         "debian",
		Description: "APT proxying: pool artifacts static, dists metadata revalidated",
		Rules: classify.Rules{
			StaticPatterns: classify.MustCompile(staticPatterns),
			IndexPatterns:  classify.MustCompile(indexPatterns),
		},
		PathOverride: pathOverride,
	})
}
