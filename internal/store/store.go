package store

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/pkgcacher/pkgcacher/internal/lockmgr"
)

// ErrNotFound is returned when a requested path does not exist in the
// store.
var ErrNotFound = errors.New("store: entry not found")

// ErrAlreadyExists is returned by CreateEmptyEntry when the body file is
// already present, serving as the double-create guard spec.md §4.2 calls
// for.
var ErrAlreadyExists = errors.New("store: entry already exists")

// Key is the object key that identifies a cached artifact: (vhost, uri).
// The basename is derived, not stored, since it is always the final path
// segment of uri.
type Key struct {
	Vhost string
	URI   string
}

// Basename returns the final path segment of the key's URI.
func (k Key) Basename() string {
	return path.Base(k.URI)
}

// Entry is the set of live handles produced by CreateEmptyEntry: the body
// file (already open, positioned at offset 0) and the body lock the caller
// now holds for the duration of the fetch.
type Entry struct {
	Key      Key
	Body     *os.File
	BodyLock *lockmgr.BodyLock
}

// Store is the content store rooted at a single cache directory, laid out
// per spec.md §6.
type Store struct {
	cacheDir string
	locks    *lockmgr.Manager
}

// New creates a Store rooted at cacheDir, creating the top-level directory
// tree (packages, headers, private, cache, temp) if it does not exist.
func New(cacheDir string, locks *lockmgr.Manager) (*Store, error) {
	if cacheDir == "" {
		return nil, errors.New("store: cache_dir required")
	}
	abs, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("store: resolving cache_dir: %w", err)
	}
	for _, sub := range []string{"packages", "headers", "private", "cache", "temp"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", sub, err)
		}
	}
	return &Store{cacheDir: abs, locks: locks}, nil
}

// CacheDir returns the store's root directory.
func (s *Store) CacheDir() string {
	return s.cacheDir
}

func (s *Store) bodyPath(k Key) string {
	return filepath.Join(s.cacheDir, "packages", k.Vhost, filepath.FromSlash(k.URI))
}

func (s *Store) headerPath(k Key) string {
	return filepath.Join(s.cacheDir, "headers", k.Vhost, filepath.FromSlash(k.URI))
}

func (s *Store) markerPath(k Key) string {
	return filepath.Join(s.cacheDir, "private", k.Vhost, filepath.FromSlash(k.URI)+".complete")
}

func (s *Store) poolPath(basename, sha1hex string) string {
	return filepath.Join(s.cacheDir, "cache", basename+"."+sha1hex)
}

// BodyPath exposes the body file location, used by the streaming reader to
// open it directly for read.
func (s *Store) BodyPath(k Key) string { return s.bodyPath(k) }

// PackagesRoot returns the directory a vhost's cached packages live under,
// used by the admin /browse endpoint to walk the tree read-only.
func (s *Store) PackagesRoot(vhost string) string {
	return filepath.Join(s.cacheDir, "packages", filepath.FromSlash(vhost))
}

// HeaderPath exposes the header sidecar location.
func (s *Store) HeaderPath(k Key) string { return s.headerPath(k) }

// IsComplete reports whether the completion marker exists for k.
func (s *Store) IsComplete(k Key) bool {
	_, err := os.Stat(s.markerPath(k))
	return err == nil
}

// BodyInfo stats the body file, returning ErrNotFound if absent.
func (s *Store) BodyInfo(k Key) (fs.FileInfo, error) {
	info, err := os.Stat(s.bodyPath(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return info, err
}

// CreateEmptyEntry implements spec.md §4.2 entry creation: under the
// global lock, ensure the three parent directories exist and create the
// body file exclusively (double-create guard); release the global lock;
// then acquire the per-entry body lock.
func (s *Store) CreateEmptyEntry(ctx context.Context, k Key) (*Entry, error) {
	unlock, err := s.locks.AcquireGlobal(ctx)
	if err != nil {
		return nil, err
	}

	bodyPath := s.bodyPath(k)
	headerPath := s.headerPath(k)
	markerPath := s.markerPath(k)
	for _, p := range []string{bodyPath, headerPath, markerPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			unlock()
			return nil, fmt.Errorf("store: creating parent dirs: %w", err)
		}
	}

	f, err := os.OpenFile(bodyPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	unlock()
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("store: creating body file: %w", err)
	}

	bodyLock := lockmgr.OpenBody(bodyPath)
	if err := bodyLock.Acquire(); err != nil {
		f.Close()
		return nil, err
	}

	return &Entry{Key: k, Body: f, BodyLock: bodyLock}, nil
}

// OpenForRead opens the body file read-only. Readers never take the body
// lock (spec.md §4.1: "readers may open the file for read without this
// lock").
func (s *Store) OpenForRead(k Key) (*os.File, error) {
	f, err := os.Open(s.bodyPath(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// ProbeBodyLock returns a probe handle for the body lock without
// acquiring it, so the coordinator can distinguish an active fetcher from
// a crashed one (spec.md §4.1, §4.4).
func (s *Store) ProbeBodyLock(k Key) *lockmgr.BodyLock {
	return lockmgr.OpenBody(s.bodyPath(k))
}

// OpenHeaderWriter truncates and opens the header sidecar for writing. The
// fetcher calls this once, for the final response of its redirect-following
// loop (or for the synthetic error header of a failed fetch), so the sidecar
// never holds a transient redirect status; Commit also calls it when it
// rewrites Content-Length.
func (s *Store) OpenHeaderWriter(k Key) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.headerPath(k)), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(s.headerPath(k), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// ReadHeader reads the status line and headers currently in the sidecar.
// Returns ErrNotFound if the sidecar does not exist yet, and a zero-length
// read is reported distinctly via empty statusLine so callers can treat a
// present-but-empty sidecar as "not ready" (spec.md §4.5 step 1: "poll for
// headers/... to be non-empty").
func (s *Store) ReadHeader(k Key) (statusLine string, header http.Header, err error) {
	f, err := os.Open(s.headerPath(k))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", nil, err
	}
	if info.Size() == 0 {
		return "", nil, nil
	}

	return ReadRawHeader(f)
}

// WriteCompletionMarker creates the completion marker with sourceURL as
// its contents, attesting that the body is fully written and linked into
// the dedup pool.
func (s *Store) WriteCompletionMarker(k Key, sourceURL string) error {
	p := s.markerPath(k)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(sourceURL), 0o644)
}

// Commit performs the three-step commit sequence of spec.md §4.2: verify
// (or synthesize) Content-Length, compute the body's SHA-1 and link it
// into the dedup pool, then write the completion marker. The global lock
// is held only across the verify+hash+link steps, never while writing the
// marker (which is a single small file write) or, critically, never
// across the network I/O that preceded it.
func (s *Store) Commit(ctx context.Context, k Key, sourceURL string) error {
	unlock, err := s.locks.AcquireGlobal(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	bodyPath := s.bodyPath(k)
	info, err := os.Stat(bodyPath)
	if err != nil {
		return fmt.Errorf("store: commit stat body: %w", err)
	}

	if err := s.reconcileContentLength(k, info.Size()); err != nil {
		return err
	}

	sum, err := sha1File(bodyPath)
	if err != nil {
		return fmt.Errorf("store: hashing body: %w", err)
	}

	pool := s.poolPath(k.Basename(), sum)
	if err := s.linkIntoPool(bodyPath, pool); err != nil {
		return err
	}

	unlock()
	unlock = nil

	return s.WriteCompletionMarker(k, sourceURL)
}

// reconcileContentLength ensures the header sidecar carries an authoritative
// Content-Length matching the body's actual size, synthesizing it when the
// upstream response used chunked encoding and omitted the header.
func (s *Store) reconcileContentLength(k Key, actualSize int64) error {
	statusLine, header, err := s.ReadHeader(k)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("store: reading header for reconciliation: %w", err)
	}
	if header == nil {
		header = make(http.Header)
	}
	if statusLine == "" {
		statusLine = "200 OK"
	}

	existing := header.Get("Content-Length")
	if existing != "" {
		if n, err := strconv.ParseInt(existing, 10, 64); err == nil && n == actualSize {
			return nil
		}
	}
	header.Set("Content-Length", strconv.FormatInt(actualSize, 10))

	w, err := s.OpenHeaderWriter(k)
	if err != nil {
		return err
	}
	defer w.Close()
	return WriteRawHeader(w, statusLine, header)
}

// linkIntoPool hard-links body into the dedup pool, reusing an existing
// pool entry when present instead of duplicating identical content.
func (s *Store) linkIntoPool(bodyPath, poolPath string) error {
	if err := os.MkdirAll(filepath.Dir(poolPath), 0o755); err != nil {
		return err
	}

	if _, err := os.Stat(poolPath); err == nil {
		if err := os.Remove(bodyPath); err != nil {
			return fmt.Errorf("store: removing local body before pool reuse: %w", err)
		}
		if err := os.Link(poolPath, bodyPath); err != nil {
			return fmt.Errorf("store: linking to existing pool entry: %w", err)
		}
		return nil
	}

	if err := os.Link(bodyPath, poolPath); err != nil {
		return fmt.Errorf("store: linking body into pool: %w", err)
	}
	return nil
}

// UnlinkEntry removes the three sibling paths for k under the global
// lock, used both for invalidation (freshness failure) and for definitive
// 4xx cleanup (spec.md §4.3).
func (s *Store) UnlinkEntry(ctx context.Context, k Key) error {
	unlock, err := s.locks.AcquireGlobal(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	for _, p := range []string{s.bodyPath(k), s.headerPath(k), s.markerPath(k)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("store: unlinking %s: %w", p, err)
		}
	}
	return nil
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
