package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pkgcacher/pkgcacher/internal/fetcher"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

// ErrFetcherVanished is returned when the body file disappears while a
// reader is still awaiting its header sidecar — the assigned fetcher
// crashed after creating the entry but before writing anything. The
// coordinator must be re-entered so this reader (or another one) becomes
// the new fetcher (spec.md §4.5 step 7).
var ErrFetcherVanished = errors.New("streamer: fetcher entry vanished before completion")

// errStallTimeout is returned internally when no forward progress is
// observed within an Options.StallTimeout window.
var errStallTimeout = errors.New("streamer: stall timeout with no progress")

// Options tunes the reader's polling behaviour.
type Options struct {
	// StallTimeout bounds both the header wait and body-growth waits.
	StallTimeout time.Duration
	// PollInterval is the sleep between polls when no bytes are yet
	// available; defaults to 50ms.
	PollInterval time.Duration
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return 50 * time.Millisecond
}

// Stream serves body (already open read-only on key's object) to w
// following spec.md §4.5's contract: it awaits the header sidecar, applies
// conditional and range handling, and follows the file as it grows until
// the store reports the entry complete.
//
// It reports ErrFetcherVanished distinctly so callers can hand the request
// back to the coordinator instead of failing it outright.
func Stream(ctx context.Context, w http.ResponseWriter, r *http.Request, st *store.Store, key store.Key, body *os.File, opts Options) (served int64, err error) {
	statusLine, header, err := awaitHeader(ctx, st, key, opts)
	if err != nil {
		if errors.Is(err, errStallTimeout) {
			w.WriteHeader(http.StatusGatewayTimeout)
			return 0, err
		}
		return 0, err
	}

	out := w.Header()
	fetcher.CopyHeaders(out, header)
	code := parseStatusCode(statusLine)

	if code != http.StatusOK {
		out.Set("Connection", "close")
		w.WriteHeader(code)
		return 0, nil
	}

	// spec.md §6: every 200/206 response advertises range support so
	// clients (and resuming downloaders) know they may retry with Range.
	out.Set("Accept-Ranges", "bytes")

	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return 0, nil
	}

	if notModified(r.Header.Get("If-Modified-Since"), header.Get("Last-Modified")) {
		w.WriteHeader(http.StatusNotModified)
		return 0, nil
	}

	total, totalKnown := contentLength(header)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && r.Header.Get("If-Range") == "" && totalKnown {
		start, end, ok := parseRange(rangeHeader, total)
		if !ok {
			out.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return 0, nil
		}
		out.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		out.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		return copyRange(ctx, w, st, key, body, start, end, opts)
	}

	w.WriteHeader(code)
	return copyFollowing(ctx, w, st, key, body, opts)
}

// awaitHeader polls the header sidecar until it is non-empty, detecting a
// vanished body (crashed fetcher) and an overall stall timeout.
func awaitHeader(ctx context.Context, st *store.Store, key store.Key, opts Options) (string, http.Header, error) {
	deadline := time.Now().Add(opts.StallTimeout)
	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		default:
		}

		statusLine, header, err := st.ReadHeader(key)
		if err == nil && statusLine != "" {
			return statusLine, header, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}

		if _, berr := st.BodyInfo(key); errors.Is(berr, store.ErrNotFound) {
			return "", nil, ErrFetcherVanished
		}

		if time.Now().After(deadline) {
			return "", nil, errStallTimeout
		}
		time.Sleep(opts.pollInterval())
	}
}

// copyFollowing streams the full body, following growth until st reports
// key complete, per spec.md §4.5 step 6.
func copyFollowing(ctx context.Context, w io.Writer, st *store.Store, key store.Key, body *os.File, opts Options) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	lastProgress := time.Now()
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			lastProgress = time.Now()
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil && rerr != io.EOF {
			return total, rerr
		}

		if n == 0 || rerr == io.EOF {
			if st.IsComplete(key) {
				n2, _ := body.Read(buf)
				if n2 > 0 {
					if _, werr := w.Write(buf[:n2]); werr != nil {
						return total, werr
					}
					total += int64(n2)
				}
				return total, nil
			}
			if time.Since(lastProgress) > opts.StallTimeout {
				return total, errStallTimeout
			}
			time.Sleep(opts.pollInterval())
		}
	}
}

// copyRange streams exactly [start, end] of the body, following growth
// until either the range is fully served or the store reports the entry
// complete with a shorter body than requested.
func copyRange(ctx context.Context, w io.Writer, st *store.Store, key store.Key, body *os.File, start, end int64, opts Options) (int64, error) {
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}

	remaining := end - start + 1
	buf := make([]byte, 64*1024)
	var total int64
	lastProgress := time.Now()
	flusher, _ := w.(http.Flusher)

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, rerr := body.Read(buf[:chunk])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			remaining -= int64(n)
			lastProgress = time.Now()
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil && rerr != io.EOF {
			return total, rerr
		}

		if n == 0 {
			if st.IsComplete(key) {
				return total, nil
			}
			if time.Since(lastProgress) > opts.StallTimeout {
				return total, errStallTimeout
			}
			time.Sleep(opts.pollInterval())
		}
	}
	return total, nil
}
