// Package redhat registers classification rules for Red Hat/Fedora
// yum/dnf repositories: Packages/ RPMs are static, repodata/ metadata
// (repomd.xml, primary/filelists/other XML, comps) is a revalidated
// index.
package redhat

import "github.com/pkgcacher/pkgcacher/internal/classify"

var staticPatterns = []string{
	`\.rpm$`,
	`\.srpm$`,
	`\.drpm$`,
	`^[0-9a-fA-F]{64}-.*\.xml\.gz$`, // repodata files addressed by their own sha256 prefix
}

var indexPatterns = []string{
	`^repomd\.xml(\.asc)?$`,
	`.*-primary\.xml(\.gz)?$`,
	`.*-filelists\.xml(\.gz)?$`,
	`.*-other\.xml(\.gz)?$`,
	`.*-comps\.xml(\.gz)?$`,
	`^Release$`,
}

func init() {
	classify.MustRegister(classify.ModuleMetadata{
		Key:         "redhat",
		Description: "yum/dnf proxying: RPMs static, repodata metadata revalidated",
		Rules: classify.Rules{
			StaticPatterns: classify.MustCompile(staticPatterns),
			IndexPatterns:  classify.MustCompile(indexPatterns),
		},
		PathOverride: pathOverride,
	})
}
