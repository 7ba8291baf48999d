// Package fetcher performs upstream HTTP fetches on behalf of the cache
// coordinator: HEAD requests for freshness checks, and GET requests that
// stream a fresh body into an already-created store entry, with failover
// across ordered candidate hosts, retry and redirect budgets, and an
// egress bandwidth cap (spec.md §4.3).
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

const (
	// retryBudget bounds attempts against a single candidate for "no
	// response" or HTTP 400 (spec.md §4.3).
	retryBudget = 5
	// redirectBudgetPerCandidate bounds redirect hops per candidate.
	redirectBudgetPerCandidate = 5
)

// Fetcher performs upstream fetches against ordered path_map candidates.
type Fetcher struct {
	client *http.Client
	store  *store.Store
	cfg    *config.Config
}

// New builds a Fetcher sharing one tuned http.Client across all requests.
func New(cfg *config.Config, st *store.Store) (*Fetcher, error) {
	client, err := NewUpstreamClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Fetcher{client: client, store: st, cfg: cfg}, nil
}

// HeadResult carries the fields the freshness algorithm needs.
type HeadResult struct {
	StatusCode   int
	ETag         string
	LastModified string
	Failed       bool // network-level failure, distinct from a 4xx/5xx response
}

// Head issues a HEAD request across candidates for uri, used by the
// coordinator's freshness algorithm (spec.md §4.4). A network failure
// (rather than an HTTP error status) sets Failed=true, which the caller
// maps to OFFLINE.
func (f *Fetcher) Head(ctx context.Context, vhost, uri string) (*HeadResult, error) {
	candidates, err := ResolveCandidates(f.cfg, vhost)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range candidates {
		resp, err := f.doWithBudgets(ctx, http.MethodHead, candidate, uri, nil)
		if err != nil {
			lastErr = err
			continue
		}
		result := &HeadResult{
			StatusCode:   resp.StatusCode,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		resp.Body.Close()
		return result, nil
	}
	return &HeadResult{Failed: true}, lastErr
}

// Fetch performs the full GET algorithm of spec.md §4.3 against entry's
// already-open, already-locked body file, writing the header sidecar as
// responses arrive and the body as it downloads. It does not commit the
// entry; the caller (coordinator) calls store.Commit once Fetch returns
// successfully.
func (f *Fetcher) Fetch(ctx context.Context, key store.Key, entry *store.Entry, clientHeaders http.Header) error {
	candidates, err := ResolveCandidates(f.cfg, key.Vhost)
	if err != nil {
		return err
	}

	var lastResp *http.Response
	var lastErr error

	for _, candidate := range candidates {
		resp, err := f.doWithBudgets(ctx, http.MethodGet, candidate, key.URI, clientHeaders)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := f.stream(ctx, key, entry, resp); err != nil {
				resp.Body.Close()
				return err
			}
			resp.Body.Close()
			return nil
		}

		// A definitive 4xx (never 400, which the retry budget already
		// absorbed inside doWithBudgets) is terminal for this entry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			f.persistErrorHeader(key, resp)
			resp.Body.Close()
			return fmt.Errorf("fetcher: upstream returned %s", resp.Status)
		}

		lastResp = resp
		resp.Body.Close()
	}

	if lastResp != nil {
		f.persistErrorHeader(key, lastResp)
		return fmt.Errorf("fetcher: all candidates failed, last response %s", lastResp.Status)
	}

	reason := "no response"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	f.persistSyntheticError(key, reason)
	return fmt.Errorf("fetcher: all candidates failed: %s", reason)
}

// doWithBudgets performs the retry-on-no-response/400 and
// follow-redirect-with-ftp-exception loop against a single candidate.
func (f *Fetcher) doWithBudgets(ctx context.Context, method string, candidate Candidate, uri string, clientHeaders http.Header) (*http.Response, error) {
	targetURL := ResolveURL(candidate, uri)
	retries := retryBudget
	redirects := redirectBudgetPerCandidate

	for {
		req, err := http.NewRequestWithContext(ctx, method, targetURL, nil)
		if err != nil {
			return nil, err
		}
		if candidate.Username != "" {
			req.SetBasicAuth(candidate.Username, candidate.Password)
		}
		applyPragma(req, clientHeaders)

		resp, err := f.client.Do(req)
		if err != nil {
			retries--
			if retries <= 0 {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusBadRequest {
			resp.Body.Close()
			retries--
			if retries <= 0 {
				return resp, fmt.Errorf("fetcher: retry budget exhausted on 400")
			}
			continue
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			redirects--
			if redirects <= 0 {
				return nil, fmt.Errorf("fetcher: redirect budget exhausted")
			}
			if strings.HasPrefix(loc, "ftp://") {
				targetURL = ResolveURL(candidate, uri)
				continue
			}
			targetURL = loc
			continue
		}

		return resp, nil
	}
}

// applyPragma forwards a client's no-cache request upstream; otherwise it
// sends a suppressing Pragma so upstream libraries do not inject one
// (spec.md §4.3).
func applyPragma(req *http.Request, clientHeaders http.Header) {
	if clientHeaders != nil {
		if cc := clientHeaders.Get("Cache-Control"); strings.Contains(cc, "no-cache") {
			req.Header.Set("Cache-Control", cc)
			req.Header.Set("Pragma", "no-cache")
			return
		}
		if p := clientHeaders.Get("Pragma"); strings.Contains(p, "no-cache") {
			req.Header.Set("Pragma", p)
			return
		}
	}
	req.Header.Set("Pragma", "")
}

// stream copies resp's headers to the sidecar immediately, then streams
// the body into entry.Body, honoring the egress rate limit and a
// no-progress stall timeout.
func (f *Fetcher) stream(ctx context.Context, key store.Key, entry *store.Entry, resp *http.Response) error {
	if err := f.writeHeaderSidecar(key, resp); err != nil {
		return err
	}

	dst := NewThrottledWriter(ctx, entry.Body, f.cfg)
	_, err := stallCopy(ctx, dst, resp.Body, f.cfg.FetchTimeout.DurationValue())
	return err
}

func (f *Fetcher) writeHeaderSidecar(key store.Key, resp *http.Response) error {
	w, err := f.store.OpenHeaderWriter(key)
	if err != nil {
		return err
	}
	defer w.Close()
	return store.WriteRawHeader(w, resp.Proto+" "+resp.Status, resp.Header)
}

func (f *Fetcher) persistErrorHeader(key store.Key, resp *http.Response) {
	w, err := f.store.OpenHeaderWriter(key)
	if err != nil {
		return
	}
	defer w.Close()
	_ = store.WriteRawHeader(w, resp.Proto+" "+resp.Status, resp.Header)
}

func (f *Fetcher) persistSyntheticError(key store.Key, reason string) {
	w, err := f.store.OpenHeaderWriter(key)
	if err != nil {
		return
	}
	defer w.Close()
	header := make(http.Header)
	_ = store.WriteRawHeader(w, "HTTP/1.1 502 libcurl error: "+reason, header)
}

// stallCopy copies from src to dst 64KiB at a time (spec.md §4.5's read
// granularity, reused here for the write side), aborting if no forward
// progress is made within timeout.
func stallCopy(ctx context.Context, dst io.Writer, src io.Reader, timeout time.Duration) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64

	type readResult struct {
		n   int
		err error
	}

	for {
		resultCh := make(chan readResult, 1)
		go func() {
			n, err := src.Read(buf)
			resultCh <- readResult{n, err}
		}()

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(timeout):
			return total, fmt.Errorf("fetcher: stall timeout after %s with no progress", timeout)
		case res := <-resultCh:
			if res.n > 0 {
				if _, err := dst.Write(buf[:res.n]); err != nil {
					return total, err
				}
				total += int64(res.n)
			}
			if res.err != nil {
				if res.err == io.EOF {
					return total, nil
				}
				return total, res.err
			}
		}
	}
}

// ParseRetryAfter reads a Retry-After header given as whole seconds; the
// HTTP-date form is not parsed. Neither the fetch loop nor the coordinator
// calls it.
func ParseRetryAfter(header http.Header) (time.Duration, bool) {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
