package streamer

import (
	"net/http"
	"strconv"
	"strings"
)

// parseStatusCode extracts the three-digit status code from either a raw
// upstream status line ("HTTP/1.1 200 OK") or a synthesized one ("200 OK").
func parseStatusCode(statusLine string) int {
	for _, field := range strings.Fields(statusLine) {
		if len(field) == 3 {
			if n, err := strconv.Atoi(field); err == nil {
				return n
			}
		}
	}
	return http.StatusOK
}

// contentLength reads the authoritative total length off the cached header,
// reporting ok=false when absent (chunked upstream response not yet
// reconciled by store.Commit).
func contentLength(header http.Header) (total int64, ok bool) {
	raw := header.Get("Content-Length")
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// notModified implements the If-Modified-Since comparison of spec.md §4.5
// step 5.
func notModified(ifModifiedSince, lastModified string) bool {
	if lastModified == "" || ifModifiedSince == "" {
		return false
	}
	ims, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return false
	}
	lm, err := http.ParseTime(lastModified)
	if err != nil {
		return false
	}
	return !lm.After(ims)
}

// parseRange parses a "Range: bytes=..." header, supporting "start-end",
// "start-" (open), and "-N" (suffix) forms, per spec.md §4.5 step 4. It
// tries each comma-separated part in order and returns the first one that
// validates against total, per spec.md §8's boundary case: a multi-range
// request with one fully-out-of-range part and one valid part serves only
// the valid part, rather than answering 416. No multipart envelope is ever
// assembled; only a single byte range is ever returned, a scoped
// simplification recorded in DESIGN.md.
func parseRange(rangeHeader string, total int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) || total <= 0 {
		return 0, 0, false
	}
	for _, spec := range strings.Split(strings.TrimPrefix(rangeHeader, prefix), ",") {
		if start, end, ok := parseOneRange(strings.TrimSpace(spec), total); ok {
			return start, end, true
		}
	}
	return 0, 0, false
}

// parseOneRange parses a single "start-end"/"start-"/"-N" spec, with no
// knowledge of any sibling ranges in the same header.
func parseOneRange(spec string, total int64) (start, end int64, ok bool) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > total {
			n = total
		}
		return total - n, total - 1, true
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false
	}
	if parts[1] == "" {
		return start, total - 1, true
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= total {
		end = total - 1
	}
	return start, end, true
}
