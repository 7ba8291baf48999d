package store

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	locks, err := lockmgr.New(dir)
	if err != nil {
		t.Fatalf("lockmgr.New: %v", err)
	}
	s, err := New(dir, locks)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateEntryDoubleCreateGuard(t *testing.T) {
	s := newTestStore(t)
	key := Key{Vhost: "debian", URI: "pool/x/foo_1.0.deb"}
	ctx := testCtx(t)

	entry, err := s.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	entry.Body.Close()
	entry.BodyLock.Release()

	if _, err := s.CreateEmptyEntry(ctx, key); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCommitLinksBodyIntoPoolAndWritesMarker(t *testing.T) {
	s := newTestStore(t)
	key := Key{Vhost: "debian", URI: "pool/x/foo_1.0.deb"}
	ctx := testCtx(t)

	entry, err := s.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	body := []byte("hello package bytes")
	if _, err := entry.Body.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
	entry.Body.Close()

	hw, err := s.OpenHeaderWriter(key)
	if err != nil {
		t.Fatalf("OpenHeaderWriter: %v", err)
	}
	header := make(http.Header)
	header.Set("Content-Length", "20")
	if err := WriteRawHeader(hw, "200 OK", header); err != nil {
		t.Fatalf("WriteRawHeader: %v", err)
	}
	hw.Close()

	if err := s.Commit(ctx, key, "http://ftp.debian.org/pool/x/foo_1.0.deb"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry.BodyLock.Release()

	if !s.IsComplete(key) {
		t.Fatalf("expected completion marker to exist after commit")
	}

	info, err := s.BodyInfo(key)
	if err != nil {
		t.Fatalf("BodyInfo: %v", err)
	}
	if info.Size() != int64(len(body)) {
		t.Fatalf("expected body size %d, got %d", len(body), info.Size())
	}

	poolEntries, err := os.ReadDir(filepath.Join(s.CacheDir(), "cache"))
	if err != nil {
		t.Fatalf("reading pool dir: %v", err)
	}
	if len(poolEntries) != 1 {
		t.Fatalf("expected exactly one pool entry, got %d", len(poolEntries))
	}
}

func TestUnlinkEntryRemovesAllThreePaths(t *testing.T) {
	s := newTestStore(t)
	key := Key{Vhost: "debian", URI: "dists/stable/Release"}
	ctx := testCtx(t)

	entry, err := s.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	entry.Body.Close()
	entry.BodyLock.Release()

	if err := s.WriteCompletionMarker(key, "http://example.org/Release"); err != nil {
		t.Fatalf("WriteCompletionMarker: %v", err)
	}

	if err := s.UnlinkEntry(ctx, key); err != nil {
		t.Fatalf("UnlinkEntry: %v", err)
	}

	if s.IsComplete(key) {
		t.Fatalf("expected marker to be removed")
	}
	if _, err := s.BodyInfo(key); err != ErrNotFound {
		t.Fatalf("expected body to be removed, got err=%v", err)
	}
}

func TestReadHeaderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := Key{Vhost: "fedora", URI: "repodata/repomd.xml"}

	w, err := s.OpenHeaderWriter(key)
	if err != nil {
		t.Fatalf("OpenHeaderWriter: %v", err)
	}
	header := make(http.Header)
	header.Set("ETag", `"abc123"`)
	header.Set("Last-Modified", "Tue, 01 Jan 2024 00:00:00 GMT")
	if err := WriteRawHeader(w, "200 OK", header); err != nil {
		t.Fatalf("WriteRawHeader: %v", err)
	}
	w.Close()

	statusLine, got, err := s.ReadHeader(key)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if statusLine != "200 OK" {
		t.Fatalf("expected status line '200 OK', got %q", statusLine)
	}
	if got.Get("ETag") != `"abc123"` {
		t.Fatalf("expected ETag round-trip, got %q", got.Get("ETag"))
	}
}
