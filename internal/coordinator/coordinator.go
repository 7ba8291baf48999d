// Package coordinator implements the cache coordinator (spec.md §4.4): it
// decides HIT/EXPIRED/MISS/OFFLINE per request, enforces at-most-one
// concurrent upstream fetch per object key by launching it in a detached
// background goroutine, and hands every caller (the one that triggered the
// fetch, plus every joiner that arrives while it is running) its own
// independently-opened body file, which may still be open-for-write by
// that goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pkgcacher/pkgcacher/internal/classify"
	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/fetcher"
	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
	"github.com/pkgcacher/pkgcacher/internal/metaindex"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

// Status is one of the four outcomes below; a forced-expired request
// (client no-cache) is reported as StatusExpired.
type Status string

const (
	StatusHit     Status = "HIT"
	StatusExpired Status = "EXPIRED"
	StatusMiss    Status = "MISS"
	StatusOffline Status = "OFFLINE"
)

// ErrConfigFault signals a global-lock-acquisition failure, which spec.md
// §4.1 says is fatal for the request ("500 Configuration error").
var ErrConfigFault = errors.New("coordinator: configuration error")

// Decision is the coordinator's answer for one request: a status plus an
// open, read-only handle on the (possibly still-growing) body file.
type Decision struct {
	Status        Status
	Body          *os.File
	RetrySentinel bool
}

// Coordinator ties together the store, fetcher, and lock manager to
// implement the freshness algorithm and the decision-to-fetch logic.
type Coordinator struct {
	store   *store.Store
	fetcher *fetcher.Fetcher
	locks   *lockmgr.Manager
	rt      *config.Runtime
	index   *metaindex.Index

	group singleflight.Group
}

// New builds a Coordinator over an already-constructed store, fetcher,
// and lock manager, reading configuration from rt on every request so
// hot-reloads take effect immediately.
func New(rt *config.Runtime, st *store.Store, fe *fetcher.Fetcher, locks *lockmgr.Manager) *Coordinator {
	return &Coordinator{store: st, fetcher: fe, locks: locks, rt: rt}
}

// WithIndex attaches the optional metaindex revalidation memo. A
// Coordinator with no index attached behaves identically, just always
// reading the header sidecar straight off disk (internal/metaindex is a
// cache of that read, not a replacement for it).
func (c *Coordinator) WithIndex(idx *metaindex.Index) *Coordinator {
	c.index = idx
	return c
}

// Coordinate implements the decision + at-most-one-fetcher flow for one
// request. clientHeaders carries Cache-Control/Pragma for forced-expiry
// detection. It returns as soon as there is a body file to read — for
// StatusMiss/StatusExpired that body may still be open-for-write by a
// background fetch goroutine (spec.md §2 item 5) — and always hands the
// caller its own independently-opened *os.File, never one shared with a
// sibling request (spec.md §8 scenario 2).
func (c *Coordinator) Coordinate(ctx context.Context, key store.Key, kind classify.Kind, clientHeaders http.Header) (*Decision, error) {
	cfg := c.rt.Current()

	status, err := c.decideStatus(ctx, key, kind, cfg, clientHeaders)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusHit, StatusOffline:
		body, err := c.store.OpenForRead(key)
		if err != nil {
			return nil, err
		}
		return &Decision{Status: status, Body: body}, nil

	case StatusExpired, StatusMiss:
		return c.fetchOrJoin(ctx, key, status, clientHeaders, cfg)

	default:
		return nil, fmt.Errorf("coordinator: unknown status %q", status)
	}
}

// decideStatus implements the freshness algorithm of spec.md §4.4.
func (c *Coordinator) decideStatus(ctx context.Context, key store.Key, kind classify.Kind, cfg *config.Config, clientHeaders http.Header) (Status, error) {
	if !c.store.IsComplete(key) {
		if _, err := c.store.BodyInfo(key); err != nil {
			return StatusMiss, nil
		}
		// Body exists but no marker: either an active fetch (handled by
		// fetchOrJoin's lock probe) or a crashed one. Either way this is
		// not yet a servable HIT.
		return StatusMiss, nil
	}

	if forcedExpired(clientHeaders) {
		return StatusExpired, nil
	}

	if kind != classify.KindIndex {
		return StatusHit, nil
	}

	if cfg.OfflineMode {
		return StatusHit, nil
	}

	if cfg.ExpireHours > 0 {
		info, err := c.store.BodyInfo(key)
		if err == nil && time.Since(info.ModTime()) > time.Duration(cfg.ExpireHours)*time.Hour {
			return StatusExpired, nil
		}
	}

	return c.revalidate(ctx, key, cfg)
}

// revalidate issues a HEAD and compares ETag/Last-Modified per spec.md
// §4.4's freshness algorithm, resolving the ambiguous case (neither
// header present) per the recorded Open Question decision (DESIGN.md).
func (c *Coordinator) revalidate(ctx context.Context, key store.Key, cfg *config.Config) (Status, error) {
	cachedHeader, err := c.cachedRevalidationHeader(key)
	if err != nil {
		return "", err
	}

	head, err := c.fetcher.Head(ctx, key.Vhost, key.URI)
	if err != nil || (head != nil && head.Failed) {
		return StatusOffline, nil
	}

	if cfg.UseETags {
		cachedETag := cachedHeader.Get("ETag")
		if cachedETag != "" && head.ETag != "" {
			if cachedETag == head.ETag {
				return StatusHit, nil
			}
			return StatusExpired, nil
		}
	}

	cachedLM, lmErr1 := http.ParseTime(cachedHeader.Get("Last-Modified"))
	upstreamLM, lmErr2 := http.ParseTime(head.LastModified)
	if lmErr1 != nil || lmErr2 != nil {
		if cfg.TreatAmbiguousRevalidationAsExpired {
			return StatusExpired, nil
		}
		return StatusHit, nil
	}

	if !cachedLM.Before(upstreamLM) {
		return StatusHit, nil
	}
	return StatusExpired, nil
}

// cachedRevalidationHeader returns the ETag/Last-Modified pair to compare
// against a fresh upstream HEAD, preferring the metaindex memo (an
// in-process bbolt lookup) over parsing the header sidecar off disk. A
// missing or unattached index, or a memo miss, falls back to
// store.ReadHeader transparently.
func (c *Coordinator) cachedRevalidationHeader(key store.Key) (http.Header, error) {
	header := make(http.Header)

	if c.index != nil {
		if memo, found, err := c.index.Get(key.Vhost, key.URI); err == nil && found {
			if memo.ETag != "" {
				header.Set("ETag", memo.ETag)
			}
			if memo.LastModified != "" {
				header.Set("Last-Modified", memo.LastModified)
			}
			return header, nil
		}
	}

	_, diskHeader, err := c.store.ReadHeader(key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if diskHeader != nil {
		header = diskHeader
	}
	return header, nil
}

// recordMemo refreshes the metaindex entry for key from the header sidecar
// just written by Commit. The call site discards any error here: the memo
// is a cache, and a stale or absent memo just
// costs the next revalidation a disk read, never correctness.
func (c *Coordinator) recordMemo(key store.Key) error {
	if c.index == nil {
		return nil
	}
	_, header, err := c.store.ReadHeader(key)
	if err != nil {
		return err
	}
	if header == nil {
		return nil
	}
	return c.index.Put(key.Vhost, key.URI, metaindex.RevalidationMemo{
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	})
}

// fetchOrJoin implements spec.md §4.4's "decision to (re)fetch": exactly
// one caller per key creates the entry and launches the upstream fetch in
// the background (startFetch, deduplicated by singleflight); every
// caller — the one that launched it and every joiner that arrives while
// it is running — then opens its own independent read handle on the body
// file and returns immediately, so the streaming reader can follow the
// file as it grows instead of waiting for the fetch to finish (spec.md §2
// item 5, §8 scenario 6).
func (c *Coordinator) fetchOrJoin(ctx context.Context, key store.Key, status Status, clientHeaders http.Header, cfg *config.Config) (*Decision, error) {
	sfKey := key.Vhost + "\x00" + key.URI
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		return c.startFetch(ctx, key, status, clientHeaders, cfg)
	})
	if err != nil {
		return nil, err
	}

	body, err := c.store.OpenForRead(key)
	if err != nil {
		return nil, err
	}
	return &Decision{Status: v.(Status), Body: body}, nil
}

// startFetch resolves who must create the entry for key and, for the
// creator, kicks off the upstream fetch in a background goroutine rather
// than waiting for it. It returns only the resolved status; the body
// handle each caller streams from is opened separately by fetchOrJoin so
// that joined callers never share a single *os.File (spec.md §8
// scenario 2).
func (c *Coordinator) startFetch(ctx context.Context, key store.Key, status Status, clientHeaders http.Header, cfg *config.Config) (Status, error) {
	if status == StatusExpired {
		if err := c.store.UnlinkEntry(ctx, key); err != nil {
			return "", err
		}
	}

	if c.store.IsComplete(key) {
		// A racing fetch already completed the invalidated/missing entry
		// between our status check and now; serve it directly.
		return StatusHit, nil
	}

	if _, err := c.store.BodyInfo(key); err == nil {
		probe := c.store.ProbeBodyLock(key)
		held, perr := probe.Probe()
		if perr != nil {
			return "", fmt.Errorf("%w: %v", ErrConfigFault, perr)
		}
		if held {
			return StatusMiss, nil
		}
		// Body file exists, lock is free, no completion marker: a
		// previous fetcher crashed. Clean up and re-fetch (spec.md §4.5
		// point 7, §7 crash-recovery).
		if err := c.store.UnlinkEntry(ctx, key); err != nil {
			return "", err
		}
	}

	if cfg.OfflineMode {
		return "", fmt.Errorf("coordinator: offline_mode is set and no cached copy exists for %s/%s", key.Vhost, key.URI)
	}

	entry, err := c.store.CreateEmptyEntry(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost the race to another goroutine that just created the
			// entry; join it as a reader instead.
			return StatusMiss, nil
		}
		return "", err
	}

	go c.runFetch(key, entry, clientHeaders)

	return status, nil
}

// runFetch performs the upstream fetch and commit for an entry this
// process just created. It is detached from any single request's
// context and runs to completion (or failure) on its own: the download
// must keep going for every joined reader even if the request that
// triggered it disconnects (spec.md §2 item 5).
func (c *Coordinator) runFetch(key store.Key, entry *store.Entry, clientHeaders http.Header) {
	ctx := context.Background()

	if err := c.fetcher.Fetch(ctx, key, entry, clientHeaders); err != nil {
		entry.Body.Close()
		entry.BodyLock.Release()
		// Fetch already persisted an error header (or a synthetic one) for
		// diagnostics; the body itself carries no useful bytes on any
		// failure path, so unlink it now rather than leaving cleanup for
		// the next request's crash-recovery check (spec.md §4.3: "the body
		// is unlinked, a header recording the error is written"). Any
		// reader already following this body observes it vanish and
		// re-enters the coordinator (streamer.ErrFetcherVanished).
		_ = c.store.UnlinkEntry(ctx, key)
		return
	}

	sourceURL := entry.Key.Vhost + "/" + entry.Key.URI
	commitErr := c.store.Commit(ctx, key, sourceURL)
	entry.Body.Close()
	entry.BodyLock.Release()
	if commitErr != nil {
		return
	}
	_ = c.recordMemo(key)
}

// forcedExpired implements the "forced-expired" precondition of spec.md
// §4.4: a client Cache-Control or Pragma of "no-cache".
func forcedExpired(clientHeaders http.Header) bool {
	if clientHeaders == nil {
		return false
	}
	if strings.Contains(strings.ToLower(clientHeaders.Get("Cache-Control")), "no-cache") {
		return true
	}
	if strings.Contains(strings.ToLower(clientHeaders.Get("Pragma")), "no-cache") {
		return true
	}
	return false
}
