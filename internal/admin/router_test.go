package admin

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/pkgcacher/pkgcacher/internal/config"
	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
	"github.com/pkgcacher/pkgcacher/internal/store"
)

func newTestApp(t *testing.T) *fiber.App {
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
		CacheDir: dir,
		PathMap: map[string][]string{
			"debian": {"ftp.debian.org"},
		},
	}
	rt := config.NewRuntime(cfg)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{Logger: logger, Runtime: rt, Store: st})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func TestStatusReportsCacheDiskAndHost(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/status", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"cache_disk"`)) {
		t.Fatalf("expected cache_disk field, got %s", body)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestVhostsListsConfiguredPathMap(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/vhosts", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"debian"`)) {
		t.Fatalf("expected debian vhost in response, got %s", body)
	}
}

func TestBrowseRejectsUnknownVhost(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/browse/fedora", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown vhost, got %d", resp.StatusCode)
	}
}

func TestBrowseRejectsPathTraversal(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/browse/debian/../../etc", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	// fiber normalizes "../" segments in the raw path before routing reaches
	// the wildcard handler in some configurations, so accept either the
	// handler's own rejection or fiber's own 404 for the malformed route.
	if resp.StatusCode != fiber.StatusBadRequest && resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 400 or 404 for traversal attempt, got %d", resp.StatusCode)
	}
}

func TestBrowseListsCachedPackages(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "/browse/debian", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 for empty but existing vhost dir, got %d", resp.StatusCode)
	}
}

func TestBrowseServesHTMLWhenAccepted(t *testing.T) {
	dir := t.TempDir()
	locks, err := lockmgr.New(dir)
	if err != nil {
		t.Fatalf("lockmgr.New: %v", err)
	}
	st, err := store.New(dir, locks)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(st.PackagesRoot("debian"), "pool"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.PackagesRoot("debian"), "pool", "foo_1.0.deb"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := &config.Config{CacheDir: dir, PathMap: map[string][]string{"debian": {"ftp.debian.org"}}}
	rt := config.NewRuntime(cfg)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{Logger: logger, Runtime: rt, Store: st})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	req := httptest.NewRequest("GET", "/browse/debian", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("pool")) {
		t.Fatalf("expected pool entry in HTML listing, got %s", body)
	}
}
