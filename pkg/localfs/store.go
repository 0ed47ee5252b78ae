// Package localfs maps remote objects to deterministic local files and
// downloads each of them at most once.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"styleai/internal/metrics"
	"styleai/pkg/storage"
)

// ErrNotFound is returned when the remote object or URL does not exist.
var ErrNotFound = errors.New("localfs: remote object not found")

const (
	defaultPresignExpiry   = 15 * time.Minute
	defaultDownloadTimeout = 60 * time.Second
)

// Config configures a Store.
type Config struct {
	Dir string
	// Kind labels download metrics, e.g. "catalog" or "generated".
	Kind            string
	Objects         storage.ObjectStore
	HTTPClient      *http.Client
	PresignExpiry   time.Duration
	DownloadTimeout time.Duration
	Logger          *slog.Logger
}

// Store owns a cache directory. Files are written only through Resolve and
// Fetch; readers only ever see complete files.
type Store struct {
	dir             string
	kind            string
	objects         storage.ObjectStore
	httpClient      *http.Client
	presignExpiry   time.Duration
	downloadTimeout time.Duration
	logger          *slog.Logger
	flights         *singleflight.Group
}

// New creates a Store. The directory is created lazily on first download.
func New(cfg Config) (*Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("localfs: cache dir is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = defaultPresignExpiry
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownloadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kind := strings.TrimSpace(cfg.Kind)
	if kind == "" {
		kind = "catalog"
	}
	return &Store{
		dir:             filepath.Clean(dir),
		kind:            kind,
		objects:         cfg.Objects,
		httpClient:      httpClient,
		presignExpiry:   presignExpiry,
		downloadTimeout: downloadTimeout,
		logger:          logger,
		flights:         &singleflight.Group{},
	}, nil
}

// Sub returns a Store rooted at a subdirectory that shares this store's
// clients and in-flight download tracking.
func (s *Store) Sub(elem ...string) *Store {
	cp := *s
	parts := make([]string, 0, len(elem)+1)
	parts = append(parts, s.dir)
	for _, e := range elem {
		parts = append(parts, sanitize(e))
	}
	cp.dir = filepath.Join(parts...)
	return &cp
}

// Dir is the directory files are cached in.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute location of a cached file name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether name is already cached.
func (s *Store) Exists(name string) bool {
	return fileExists(s.Path(name))
}

// LocalName derives the cache file name for a remote path: the trailing path
// segment, prefixed with "<partition>_" when a partition is given.
func LocalName(remotePath, partition string) string {
	base := path.Base(strings.TrimRight(strings.TrimSpace(remotePath), "/"))
	if base == "." || base == "/" || base == "" {
		return ""
	}
	base = sanitize(base)
	if base == "" {
		return ""
	}
	if p := sanitize(partition); p != "" {
		return p + "_" + base
	}
	return base
}

// Resolve returns the local file for remotePath, downloading it through a
// presigned URL when it is not cached yet. Cached files are returned as-is
// without a freshness check. Concurrent callers share one download, which
// outlives any single caller's cancellation and is bounded by the download
// timeout alone.
func (s *Store) Resolve(ctx context.Context, remotePath, partition string) (string, error) {
	name := LocalName(remotePath, partition)
	if name == "" {
		return "", fmt.Errorf("localfs: no file name in %q", remotePath)
	}
	target := s.Path(name)
	if fileExists(target) {
		metrics.CacheHits.Inc()
		return target, nil
	}
	if s.objects == nil {
		return "", errors.New("localfs: object store not configured")
	}
	ch := s.flights.DoChan(target, func() (any, error) {
		if fileExists(target) {
			return target, nil
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.downloadTimeout)
		defer cancel()
		link, err := s.objects.PresignGet(ctx, remotePath, s.presignExpiry)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
			}
			return nil, fmt.Errorf("presign %s: %w", remotePath, err)
		}
		if err := s.download(ctx, link, target); err != nil {
			return nil, fmt.Errorf("download %s: %w", remotePath, err)
		}
		s.logger.Debug("cached remote object", "remote", remotePath, "path", target)
		return target, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Fetch downloads rawURL into name, replacing any existing file.
func (s *Store) Fetch(ctx context.Context, rawURL, name string) (string, error) {
	name = sanitize(name)
	if name == "" {
		return "", errors.New("localfs: file name required")
	}
	target := s.Path(name)
	if err := s.download(ctx, rawURL, target); err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	return target, nil
}

// RemoveAll deletes the cache directory and everything in it.
func (s *Store) RemoveAll() error {
	return os.RemoveAll(s.dir)
}

func (s *Store) ensureDir() error {
	// MkdirAll treats an existing directory as success, so concurrent
	// first-use callers do not race each other.
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return nil
}

func (s *Store) download(ctx context.Context, rawURL, target string) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	metrics.Downloads.WithLabelValues(s.kind).Inc()
	return nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if name == "." || name == ".." {
		return ""
	}
	return name
}
