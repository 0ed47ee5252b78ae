package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"styleai/pkg/domain"
	"styleai/pkg/kv"
)

// Keys of the persisted catalog state.
const (
	SnapshotKey = "styleData"
	LastSyncKey = "lastSync"
)

// Provider holds the published catalog snapshot and notifies subscribers of
// every change. Published slices are never mutated afterwards.
type Provider struct {
	kv     kv.Store
	logger *slog.Logger

	mu     sync.RWMutex
	snap   domain.CatalogSnapshot
	subs   map[int]chan domain.CatalogSnapshot
	nextID int
	passes map[domain.Category]*sync.Mutex
}

func NewProvider(store kv.Store, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		kv:     store,
		logger: logger,
		subs:   make(map[int]chan domain.CatalogSnapshot),
		passes: make(map[domain.Category]*sync.Mutex),
	}
}

// lockCategory serializes sync passes over c from listing to publish, so a
// pass that listed earlier never publishes over one that listed later.
func (p *Provider) lockCategory(c domain.Category) func() {
	p.mu.Lock()
	m, ok := p.passes[c]
	if !ok {
		m = new(sync.Mutex)
		p.passes[c] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Snapshot returns the current snapshot.
func (p *Provider) Snapshot() domain.CatalogSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Subscribe returns a channel receiving the latest snapshot after every
// publish. Slow readers only ever see the newest value.
func (p *Provider) Subscribe() (<-chan domain.CatalogSnapshot, func()) {
	ch := make(chan domain.CatalogSnapshot, 1)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Publish replaces the items of one category.
func (p *Provider) Publish(category domain.Category, items []domain.CatalogItem) domain.CatalogSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = p.snap.WithCategory(category, items)
	p.notifyLocked()
	return p.snap
}

func (p *Provider) notifyLocked() {
	for _, ch := range p.subs {
		select {
		case ch <- p.snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p.snap:
		default:
		}
	}
}

// Persist writes the current snapshot to the key-value store.
func (p *Provider) Persist(ctx context.Context) error {
	if err := kv.SetJSON(ctx, p.kv, SnapshotKey, p.Snapshot()); err != nil {
		return fmt.Errorf("persist catalog snapshot: %w", err)
	}
	return nil
}

// LoadCached installs the persisted snapshot when nothing has been published
// yet. Items whose local file vanished are left out and counted in missing.
func (p *Provider) LoadCached(ctx context.Context) (loaded bool, missing int, err error) {
	var cached domain.CatalogSnapshot
	ok, err := kv.GetJSON(ctx, p.kv, SnapshotKey, &cached)
	if err != nil || !ok {
		return false, 0, err
	}
	for _, c := range domain.Categories() {
		kept := make([]domain.CatalogItem, 0, len(cached.Items(c)))
		for _, item := range cached.Items(c) {
			if !fileExists(item.LocalURI) {
				missing++
				continue
			}
			if item.ThumbnailURI != "" && !fileExists(item.ThumbnailURI) {
				item.ThumbnailURI = ""
			}
			kept = append(kept, item)
		}
		cached = cached.WithCategory(c, kept)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Len() > 0 {
		return false, missing, nil
	}
	p.snap = cached
	p.notifyLocked()
	p.logger.Info("loaded cached catalog", "items", cached.Len(), "missing", missing)
	return true, missing, nil
}

// LastSync reads the time of the last complete sync.
func (p *Provider) LastSync(ctx context.Context) (domain.SyncState, error) {
	raw, ok, err := p.kv.Get(ctx, LastSyncKey)
	if err != nil || !ok {
		return domain.SyncState{}, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		p.logger.Warn("ignoring malformed last sync timestamp", "value", raw)
		return domain.SyncState{}, nil
	}
	return domain.SyncState{LastSyncMillis: ms}, nil
}

// MarkSynced records a complete sync at t.
func (p *Provider) MarkSynced(ctx context.Context, t time.Time) error {
	return p.kv.Set(ctx, LastSyncKey, strconv.FormatInt(t.UnixMilli(), 10))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
