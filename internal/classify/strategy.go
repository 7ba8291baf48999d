package classify

// ClassifyPath first consults each module's PathOverride against the full
// uri, then falls back to Classify(basename) if no module claims an
// override. This lets a family like debian mark by-hash paths static even
// though their basename is an opaque content digest.
func ClassifyPath(uri, basename string) Kind {
	for _, meta := range List() {
		if meta.PathOverride == nil {
			continue
		}
		if kind, ok := meta.PathOverride(uri); ok {
			return kind
		}
	}
	return Classify(basename)
}

// Classify merges every registered module's regex sets and classifies
// basename against them: static patterns win first (an immutable artifact
// name is never mistaken for a mutable index just because some other
// family's pattern happens to also match), then index patterns, otherwise
// KindForbidden (spec.md §4.6: "any other basename is refused with 403").
func Classify(basename string) Kind {
	for _, meta := range List() {
		for _, re := range meta.Rules.StaticPatterns {
			if re.MatchString(basename) {
				return KindStatic
			}
		}
	}
	for _, meta := range List() {
		for _, re := range meta.Rules.IndexPatterns {
			if re.MatchString(basename) {
				return KindIndex
			}
		}
	}
	return KindForbidden
}
