package classify

import "regexp"

// Kind is the outcome of classifying a request basename (spec.md §4.6
// CLASSIFY): static artifacts are cached indefinitely by name, index
// files are subject to freshness revalidation, and anything matching
// neither is refused to keep the server from being used as an open relay.
type Kind int

const (
	KindForbidden Kind = iota
	KindStatic
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindIndex:
		return "index"
	default:
		return "forbidden"
	}
}

// Rules holds one module's contribution to the two global regex sets
// spec.md §4.6 describes as "loaded at startup".
type Rules struct {
	StaticPatterns []*regexp.Regexp
	IndexPatterns  []*regexp.Regexp
}

// PathOverride lets a module classify by full URI rather than basename
// alone, for cases a basename regex cannot express — e.g. APT's
// content-addressed by-hash entries, whose basename is an opaque digest.
// ok=false defers to the basename regex sets.
type PathOverride func(uri string) (kind Kind, ok bool)

// ModuleMetadata records one distro family's classification rules, used
// to build the merged regex sets.
type ModuleMetadata struct {
	Key          string
	Description  string
	Rules        Rules
	PathOverride PathOverride
}

// MustCompile compiles a list of pattern sources, panicking on a malformed
// pattern — used only at package init() time for the built-in modules,
// where a bad pattern is a programming error, not a runtime fault.
func MustCompile(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}
