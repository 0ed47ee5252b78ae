// Package history keeps each user's most-recent-first list of generated
// images, backed by local files and a persisted list.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"styleai/internal/metrics"
	"styleai/pkg/kv"
	"styleai/pkg/localfs"
	"styleai/pkg/storage"
)

const (
	keyPrefix = "recentGeneratedImages_"
	// DefaultMaxEntries is the cap applied by Save unless configured otherwise.
	DefaultMaxEntries = 10

	defaultResyncConcurrency = 4
)

// ErrNoUser is returned for operations without a user id.
var ErrNoUser = errors.New("history: user id required")

// StorageKey is the persisted list key of userID. The id is hashed so it does
// not appear verbatim in storage.
func StorageKey(userID string) string {
	return kv.HashedKey(keyPrefix, userID)
}

// Config configures a Log.
type Config struct {
	KV kv.Store
	// Files is the base store; every user gets a subdirectory named after
	// their storage key.
	Files   *localfs.Store
	Objects storage.ObjectStore
	// Hosts lists where Save may download from; the zero policy refuses all.
	Hosts HostPolicy
	// MaxEntries caps the list kept by Save. Zero keeps every entry.
	MaxEntries        int
	ResyncConcurrency int
	Now               func() time.Time
	Logger            *slog.Logger
}

// Log is the generated-image history of every user on this device.
type Log struct {
	kv          kv.Store
	files       *localfs.Store
	objects     storage.ObjectStore
	hosts       HostPolicy
	maxEntries  int
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	locks       keyedMutex
}

func New(cfg Config) (*Log, error) {
	if cfg.KV == nil {
		return nil, errors.New("history: kv store required")
	}
	if cfg.Files == nil {
		return nil, errors.New("history: file store required")
	}
	if cfg.MaxEntries < 0 {
		return nil, errors.New("history: max entries must be >= 0")
	}
	concurrency := cfg.ResyncConcurrency
	if concurrency <= 0 {
		concurrency = defaultResyncConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		kv:          cfg.KV,
		files:       cfg.Files,
		objects:     cfg.Objects,
		hosts:       cfg.Hosts,
		maxEntries:  cfg.MaxEntries,
		concurrency: concurrency,
		now:         now,
		logger:      logger,
	}, nil
}

func (l *Log) userFiles(userID string) *localfs.Store {
	return l.files.Sub(StorageKey(userID))
}

// Save downloads remoteURL and records it as the user's newest image. It
// never fails loudly: on any error it logs and returns false, meaning the
// image was not recorded.
func (l *Log) Save(ctx context.Context, remoteURL, userID string) (string, bool) {
	local, err := l.record(ctx, remoteURL, userID)
	if err != nil {
		l.logger.Warn("generated image not recorded", "user_key", StorageKey(userID), "err", err)
		metrics.DroppedItems.WithLabelValues("history", "save").Inc()
		return "", false
	}
	return local, true
}

func (l *Log) record(ctx context.Context, remoteURL, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrNoUser
	}
	if strings.TrimSpace(remoteURL) == "" {
		return "", errors.New("history: remote url required")
	}
	u, err := l.hosts.Check(remoteURL)
	if err != nil {
		return "", err
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	files := l.userFiles(userID)
	name := l.uniqueName(files)
	local, err := files.Fetch(ctx, u.String(), name)
	if err != nil {
		return "", err
	}
	var evicted []string
	err = l.kv.Update(ctx, StorageKey(userID), func(cur string, ok bool) (string, error) {
		list := l.decode(cur, ok)
		list = prepend(list, local)
		evicted = nil
		if l.maxEntries > 0 && len(list) > l.maxEntries {
			evicted = slices.Clone(list[l.maxEntries:])
			list = list[:l.maxEntries]
		}
		raw, err := json.Marshal(list)
		return string(raw), err
	})
	if err != nil {
		_ = os.Remove(local)
		return "", fmt.Errorf("persist history: %w", err)
	}
	l.removeEvicted(files, evicted)
	return local, nil
}

// removeEvicted deletes the files of entries that fell off the capped list.
// Only files inside the user's directory are touched.
func (l *Log) removeEvicted(files *localfs.Store, evicted []string) {
	dir := files.Dir() + string(os.PathSeparator)
	for _, p := range evicted {
		if !strings.HasPrefix(filepath.Clean(p), dir) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("removing evicted history file failed", "path", p, "err", err)
		}
	}
}

// uniqueName returns img_<unixmillis>.png, suffixed with -n when a file of
// that name already exists.
func (l *Log) uniqueName(files *localfs.Store) string {
	base := "img_" + strconv.FormatInt(l.now().UnixMilli(), 10)
	name := base + ".png"
	for n := 1; files.Exists(name); n++ {
		name = base + "-" + strconv.Itoa(n) + ".png"
	}
	return name
}

// CheckURL reports whether Save would download from remoteURL.
func (l *Log) CheckURL(remoteURL string) error {
	_, err := l.hosts.Check(remoteURL)
	return err
}

// Recent returns the persisted list verbatim, or an empty list.
func (l *Log) Recent(ctx context.Context, userID string) []string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []string{}
	}
	raw, ok, err := l.kv.Get(ctx, StorageKey(userID))
	if err != nil {
		l.logger.Warn("reading history failed", "user_key", StorageKey(userID), "err", err)
		return []string{}
	}
	return l.decode(raw, ok)
}

// Resync rebuilds the user's list from the remote generated-images folder,
// newest object first. Objects already cached are not downloaded again and
// the persisted list is replaced, not extended. A listing failure leaves the
// persisted list untouched.
func (l *Log) Resync(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrNoUser
	}
	if l.objects == nil {
		return nil, errors.New("history: object store not configured")
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	start := time.Now()
	objects, err := l.objects.List(ctx, storage.GeneratedPrefix(userID))
	if err != nil {
		metrics.SyncPasses.WithLabelValues("history", "failed").Inc()
		return nil, fmt.Errorf("list generated images: %w", err)
	}
	objects = slices.DeleteFunc(objects, func(o storage.ObjectInfo) bool {
		return strings.HasSuffix(o.Key, "/")
	})
	sort.SliceStable(objects, func(i, j int) bool {
		if !objects[i].LastModified.Equal(objects[j].LastModified) {
			return objects[i].LastModified.After(objects[j].LastModified)
		}
		return objects[i].Key > objects[j].Key
	})

	files := l.userFiles(userID)
	results := make([]string, len(objects))
	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for i, obj := range objects {
		g.Go(func() error {
			local, err := files.Resolve(ctx, obj.Key, "")
			if err != nil {
				l.logger.Warn("dropping generated image", "key", obj.Key, "err", err)
				metrics.DroppedItems.WithLabelValues("history", "resync").Inc()
				return nil
			}
			results[i] = local
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list := make([]string, 0, len(results))
	for _, local := range results {
		if local != "" && !slices.Contains(list, local) {
			list = append(list, local)
		}
	}
	if err := kv.SetJSON(ctx, l.kv, StorageKey(userID), list); err != nil {
		metrics.SyncPasses.WithLabelValues("history", "failed").Inc()
		return nil, fmt.Errorf("persist history: %w", err)
	}
	result := "ok"
	if len(list) < len(objects) {
		result = "partial"
	}
	metrics.SyncPasses.WithLabelValues("history", result).Inc()
	metrics.SyncDuration.WithLabelValues("history").Observe(time.Since(start).Seconds())
	l.logger.Info("history resynced", "user_key", StorageKey(userID), "remote", len(objects), "entries", len(list))
	return list, nil
}

// Purge removes the user's list and cached files.
func (l *Log) Purge(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNoUser
	}
	unlock := l.locks.Lock(userID)
	defer unlock()
	if err := l.kv.Delete(ctx, StorageKey(userID)); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if err := l.userFiles(userID).RemoveAll(); err != nil {
		return fmt.Errorf("remove history files: %w", err)
	}
	return nil
}

// decode treats a missing or corrupt list as empty.
func (l *Log) decode(raw string, ok bool) []string {
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		l.logger.Warn("discarding corrupt history list", "err", err)
		return []string{}
	}
	if list == nil {
		return []string{}
	}
	return list
}

func prepend(list []string, entry string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, entry)
	for _, e := range list {
		if e != entry {
			out = append(out, e)
		}
	}
	return out
}
