package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkgcacher/pkgcacher/internal/classify"
	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/fetcher"
	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
	"github.com/pkgcacher/pkgcacher/internal/metaindex"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

func newTestCoordinator(t *testing.T, upstream string, cfgMut func(*config.Config)) (*Coordinator, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	locks, err := lockmgr.New(dir)
	if err != nil {
		t.Fatalf("lockmgr.New: %v", err)
	}
	st, err := store.New(dir, locks)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cfg := &config.Config{
		CacheDir:     dir,
		RequireValidSSL: true,
		FetchTimeout: config.Duration(2 * time.Second),
		PathMap:      map[string][]string{"debian": {upstream}},
		UseETags:     true,
	}
	if cfgMut != nil {
		cfgMut(cfg)
	}
	fe, err := fetcher.New(cfg, st)
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}
	rt := config.NewRuntime(cfg)
	return New(rt, st, fe, locks), st
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitForComplete polls for the background fetch goroutine startFetch
// launched to finish committing key, since Coordinate now returns as soon
// as a body handle exists rather than waiting on the fetch (spec.md §2
// item 5).
func waitForComplete(t *testing.T, st *store.Store, key store.Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.IsComplete(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s/%s to complete", key.Vhost, key.URI)
}

// waitForRemoval polls for the background fetch goroutine to unlink key
// after a terminal upstream failure.
func waitForRemoval(t *testing.T, st *store.Store, key store.Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.BodyInfo(key); errors.Is(err, store.ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s/%s body to be removed", key.Vhost, key.URI)
}

func TestCoordinateMissFetchesAndReturnsMissStatus(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("package bytes"))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "pool/x/foo_1.0.deb"}

	dec, err := c.Coordinate(testCtx(t), key, classify.KindStatic, nil)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	defer dec.Body.Close()

	if dec.Status != StatusMiss {
		t.Fatalf("expected MISS on first fetch, got %s", dec.Status)
	}
	waitForComplete(t, st, key)
	if hits != 1 {
		t.Fatalf("expected exactly one upstream GET, got %d", hits)
	}
}

func TestCoordinateStaticHitServesWithoutUpstreamCall(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("package bytes"))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "pool/x/foo_1.0.deb"}

	first, err := c.Coordinate(testCtx(t), key, classify.KindStatic, nil)
	if err != nil {
		t.Fatalf("first Coordinate: %v", err)
	}
	first.Body.Close()
	waitForComplete(t, st, key)

	second, err := c.Coordinate(testCtx(t), key, classify.KindStatic, nil)
	if err != nil {
		t.Fatalf("second Coordinate: %v", err)
	}
	defer second.Body.Close()

	if second.Status != StatusHit {
		t.Fatalf("expected HIT on second request for static content, got %s", second.Status)
	}
	if hits != 1 {
		t.Fatalf("expected static content to never trigger a second upstream call, got %d hits", hits)
	}
}

func TestCoordinateIndexRevalidatesAndHitsOnMatchingETag(t *testing.T) {
	var getHits, headHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"same"`)
		if r.Method == http.MethodHead {
			headHits++
			return
		}
		getHits++
		w.Write([]byte("Packages contents"))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "dists/stable/main/binary-amd64/Packages"}

	first, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("first Coordinate: %v", err)
	}
	first.Body.Close()
	waitForComplete(t, st, key)

	second, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("second Coordinate: %v", err)
	}
	defer second.Body.Close()

	if second.Status != StatusHit {
		t.Fatalf("expected HIT when upstream ETag matches, got %s", second.Status)
	}
	if getHits != 1 {
		t.Fatalf("expected exactly one GET across both requests, got %d", getHits)
	}
	if headHits != 1 {
		t.Fatalf("expected exactly one revalidation HEAD, got %d", headHits)
	}
}

func TestCoordinateIndexExpiresOnETagMismatch(t *testing.T) {
	etag := `"v1"`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte("Packages contents " + etag))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "dists/stable/main/binary-amd64/Packages"}

	first, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("first Coordinate: %v", err)
	}
	first.Body.Close()
	waitForComplete(t, st, key)

	etag = `"v2"`
	second, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("second Coordinate: %v", err)
	}
	defer second.Body.Close()

	if second.Status != StatusExpired {
		t.Fatalf("expected EXPIRED when upstream ETag changed, got %s", second.Status)
	}
}

func TestCoordinateOfflineModeServesStaleIndexWithoutRevalidation(t *testing.T) {
	var headHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			headHits++
		}
		w.Write([]byte("Packages contents"))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "dists/stable/main/binary-amd64/Packages"}

	first, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("first Coordinate: %v", err)
	}
	first.Body.Close()
	waitForComplete(t, st, key)

	c.rt.Current().OfflineMode = true // simulate a hot-reloaded offline flag for this snapshot
	second, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("second Coordinate: %v", err)
	}
	defer second.Body.Close()

	if second.Status != StatusHit {
		t.Fatalf("expected offline_mode to serve stale index as HIT, got %s", second.Status)
	}
}

func TestCoordinateForcedExpiredHeaderTriggersRefetch(t *testing.T) {
	var getHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		getHits++
		w.Write([]byte("bytes"))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "pool/x/foo_1.0.deb"}

	first, err := c.Coordinate(testCtx(t), key, classify.KindStatic, nil)
	if err != nil {
		t.Fatalf("first Coordinate: %v", err)
	}
	first.Body.Close()
	waitForComplete(t, st, key)

	noCache := http.Header{"Cache-Control": []string{"no-cache"}}
	second, err := c.Coordinate(testCtx(t), key, classify.KindStatic, noCache)
	if err != nil {
		t.Fatalf("second Coordinate: %v", err)
	}
	defer second.Body.Close()

	waitForComplete(t, st, key)
	if getHits != 2 {
		t.Fatalf("expected a forced no-cache request to trigger a second upstream GET, got %d", getHits)
	}
}

func TestCoordinateTerminalFourOhFourLeavesNoStaleBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	key := store.Key{Vhost: "debian", URI: "pool/x/missing.deb"}

	// The fetch now runs in a detached background goroutine (spec.md §2
	// item 5), so Coordinate itself succeeds immediately with a followable
	// body handle; the terminal 404 is only discovered once runFetch calls
	// fetcher.Fetch, at which point it unlinks the entry and any streaming
	// reader observes it vanish (streamer.ErrFetcherVanished).
	dec, err := c.Coordinate(testCtx(t), key, classify.KindStatic, nil)
	if err != nil {
		t.Fatalf("Coordinate: %v", err)
	}
	dec.Body.Close()

	waitForRemoval(t, st, key)
}

func TestCoordinateWithIndexMemoizesRevalidationHeader(t *testing.T) {
	var headHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"same"`)
		if r.Method == http.MethodHead {
			headHits++
			return
		}
		w.Write([]byte("Packages contents"))
	}))
	defer upstream.Close()

	c, st := newTestCoordinator(t, upstream.URL, nil)
	idx, err := metaindex.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("metaindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	c.WithIndex(idx)

	key := store.Key{Vhost: "debian", URI: "dists/stable/main/binary-amd64/Packages"}

	first, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("first Coordinate: %v", err)
	}
	first.Body.Close()
	waitForComplete(t, st, key)

	var memo metaindex.RevalidationMemo
	var found bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		memo, found, err = idx.Get(key.Vhost, key.URI)
		if err != nil {
			t.Fatalf("idx.Get: %v", err)
		}
		if found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !found {
		t.Fatalf("expected a memo to be recorded after commit")
	}
	if memo.ETag != `"same"` {
		t.Fatalf("expected memoized ETag %q, got %q", `"same"`, memo.ETag)
	}

	second, err := c.Coordinate(testCtx(t), key, classify.KindIndex, nil)
	if err != nil {
		t.Fatalf("second Coordinate: %v", err)
	}
	defer second.Body.Close()

	if second.Status != StatusHit {
		t.Fatalf("expected HIT via memoized ETag comparison, got %s", second.Status)
	}
	if headHits != 1 {
		t.Fatalf("expected exactly one revalidation HEAD, got %d", headHits)
	}
}
