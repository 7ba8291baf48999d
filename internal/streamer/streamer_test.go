package streamer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
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
	return st
}

func TestStreamServesCompleteBodyImmediately(t *testing.T) {
	st := newTestStore(t)
	key := store.Key{Vhost: "debian", URI: "pool/x/foo_1.0.deb"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entry, err := st.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	body := []byte("hello package bytes")
	entry.Body.Write(body)
	entry.Body.Close()

	hw, _ := st.OpenHeaderWriter(key)
	header := make(http.Header)
	header.Set("Content-Length", "20")
	header.Set("Last-Modified", "Tue, 01 Jan 2024 00:00:00 GMT")
	store.WriteRawHeader(hw, "200 OK", header)
	hw.Close()

	if err := st.Commit(ctx, key, "http://example.org/foo"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry.BodyLock.Release()

	readFile, err := st.OpenForRead(key)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer readFile.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pkg-cacher/debian/pool/x/foo_1.0.deb", nil)

	served, err := Stream(ctx, rec, req, st, key, readFile, Options{StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if served != int64(len(body)) {
		t.Fatalf("expected %d bytes served, got %d", len(body), served)
	}
	if rec.Body.String() != string(body) {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestStreamFollowsGrowingBodyUntilComplete(t *testing.T) {
	st := newTestStore(t)
	key := store.Key{Vhost: "debian", URI: "pool/x/growing.deb"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entry, err := st.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}

	full := []byte("first-chunk-second-chunk-final-chunk")
	hw, _ := st.OpenHeaderWriter(key)
	header := make(http.Header)
	header.Set("Content-Length", "36")
	store.WriteRawHeader(hw, "200 OK", header)
	hw.Close()

	entry.Body.Write(full[:12])

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(80 * time.Millisecond)
		entry.Body.Write(full[12:25])
		time.Sleep(80 * time.Millisecond)
		entry.Body.Write(full[25:])
		entry.Body.Close()
		st.Commit(context.Background(), key, "http://example.org/growing")
		entry.BodyLock.Release()
	}()

	readFile, err := st.OpenForRead(key)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer readFile.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pkg-cacher/debian/pool/x/growing.deb", nil)

	served, err := Stream(ctx, rec, req, st, key, readFile, Options{StallTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	<-done
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if served != int64(len(full)) {
		t.Fatalf("expected %d bytes served, got %d", len(full), served)
	}
	if rec.Body.String() != string(full) {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestStreamRangeRequestServesPartialContent(t *testing.T) {
	st := newTestStore(t)
	key := store.Key{Vhost: "debian", URI: "pool/x/ranged.deb"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entry, err := st.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	body := []byte("0123456789")
	entry.Body.Write(body)
	entry.Body.Close()

	hw, _ := st.OpenHeaderWriter(key)
	header := make(http.Header)
	header.Set("Content-Length", "10")
	store.WriteRawHeader(hw, "200 OK", header)
	hw.Close()
	if err := st.Commit(ctx, key, "http://example.org/ranged"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry.BodyLock.Release()

	readFile, err := st.OpenForRead(key)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer readFile.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pkg-cacher/debian/pool/x/ranged.deb", nil)
	req.Header.Set("Range", "bytes=2-5")

	served, err := Stream(ctx, rec, req, st, key, readFile, Options{StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if served != 4 {
		t.Fatalf("expected 4 bytes served, got %d", served)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Fatalf("unexpected range body: %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Range") != "bytes 2-5/10" {
		t.Fatalf("unexpected Content-Range: %q", rec.Header().Get("Content-Range"))
	}
}

func TestStreamUnsatisfiableRangeReturns416(t *testing.T) {
	st := newTestStore(t)
	key := store.Key{Vhost: "debian", URI: "pool/x/short.deb"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entry, err := st.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	entry.Body.Write([]byte("short"))
	entry.Body.Close()

	hw, _ := st.OpenHeaderWriter(key)
	header := make(http.Header)
	header.Set("Content-Length", "5")
	store.WriteRawHeader(hw, "200 OK", header)
	hw.Close()
	if err := st.Commit(ctx, key, "http://example.org/short"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry.BodyLock.Release()

	readFile, err := st.OpenForRead(key)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer readFile.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pkg-cacher/debian/pool/x/short.deb", nil)
	req.Header.Set("Range", "bytes=100-200")

	if _, err := Stream(ctx, rec, req, st, key, readFile, Options{StallTimeout: time.Second}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rec.Code)
	}
}

func TestStreamMultiRangeServesFirstValidPart(t *testing.T) {
	st := newTestStore(t)
	key := store.Key{Vhost: "debian", URI: "pool/x/multirange.deb"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entry, err := st.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	body := []byte("0123456789")
	entry.Body.Write(body)
	entry.Body.Close()

	hw, _ := st.OpenHeaderWriter(key)
	header := make(http.Header)
	header.Set("Content-Length", "10")
	store.WriteRawHeader(hw, "200 OK", header)
	hw.Close()
	if err := st.Commit(ctx, key, "http://example.org/multirange"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry.BodyLock.Release()

	readFile, err := st.OpenForRead(key)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer readFile.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pkg-cacher/debian/pool/x/multirange.deb", nil)
	req.Header.Set("Range", "bytes=999999-9999999,2-5")

	served, err := Stream(ctx, rec, req, st, key, readFile, Options{StallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if served != 4 {
		t.Fatalf("expected 4 bytes served, got %d", served)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206 for the valid part despite the leading out-of-range part, got %d", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Fatalf("unexpected range body: %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Range") != "bytes 2-5/10" {
		t.Fatalf("unexpected Content-Range: %q", rec.Header().Get("Content-Range"))
	}
}

func TestStreamVanishedEntryReturnsSentinel(t *testing.T) {
	st := newTestStore(t)
	key := store.Key{Vhost: "debian", URI: "pool/x/crashed.deb"}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entry, err := st.CreateEmptyEntry(ctx, key)
	if err != nil {
		t.Fatalf("CreateEmptyEntry: %v", err)
	}
	readFile, err := st.OpenForRead(key)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer readFile.Close()
	entry.Body.Close()
	entry.BodyLock.Release()

	if err := st.UnlinkEntry(ctx, key); err != nil {
		t.Fatalf("UnlinkEntry: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pkg-cacher/debian/pool/x/crashed.deb", nil)

	_, err = Stream(ctx, rec, req, st, key, readFile, Options{StallTimeout: 300 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	if err != ErrFetcherVanished {
		t.Fatalf("expected ErrFetcherVanished, got %v", err)
	}
}
