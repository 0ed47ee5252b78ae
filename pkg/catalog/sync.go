package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"styleai/internal/metrics"
	"styleai/pkg/changefeed"
	"styleai/pkg/domain"
)

// Sync strategies.
const (
	StrategyInterval = "interval"
	StrategyListener = "listener"
)

const defaultSyncInterval = 24 * time.Hour

// ErrPartialSync reports that at least one category kept its previous items.
var ErrPartialSync = errors.New("catalog: some categories failed to sync")

// SyncResult describes one sync pass.
type SyncResult struct {
	// Ran is false when the pass was skipped because it was not due or
	// another pass was running.
	Ran    bool                    `json:"ran"`
	Items  map[domain.Category]int `json:"items,omitempty"`
	Failed []domain.Category       `json:"failed,omitempty"`
}

// refresh resolves categories in parallel, publishing each one as soon as it
// completes. Categories that fail keep their previous items. Passes over the
// same category run one at a time.
func refresh(ctx context.Context, resolver *Resolver, provider *Provider, logger *slog.Logger, categories []domain.Category) SyncResult {
	res := SyncResult{Ran: true, Items: make(map[domain.Category]int, len(categories))}
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range categories {
		g.Go(func() error {
			unlock := provider.lockCategory(c)
			defer unlock()
			items, err := resolver.ResolveCategory(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("catalog category sync failed; keeping previous items", "category", c, "err", err)
				res.Failed = append(res.Failed, c)
				return nil
			}
			provider.Publish(c, items)
			res.Items[c] = len(items)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func passResult(res SyncResult) string {
	switch {
	case len(res.Failed) == 0:
		return "ok"
	case len(res.Items) == 0:
		return "failed"
	default:
		return "partial"
	}
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Resolver *Resolver
	Provider *Provider
	// Interval is the minimum age of the last complete sync before a new one runs.
	Interval time.Duration
	// CheckEvery re-checks whether a sync is due. Zero checks only once on Run.
	CheckEvery time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Poller syncs the whole catalog when the last complete sync is older than
// the configured interval.
type Poller struct {
	resolver   *Resolver
	provider   *Provider
	interval   time.Duration
	checkEvery time.Duration
	now        func() time.Time
	logger     *slog.Logger
	running    sync.Mutex
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Resolver == nil || cfg.Provider == nil {
		return nil, errors.New("catalog: poller requires resolver and provider")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		resolver:   cfg.Resolver,
		provider:   cfg.Provider,
		interval:   interval,
		checkEvery: cfg.CheckEvery,
		now:        now,
		logger:     logger,
	}, nil
}

// Run loads the cached snapshot, syncs if due, then keeps checking every
// CheckEvery until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	_, missing, err := p.provider.LoadCached(ctx)
	if err != nil {
		p.logger.Warn("cached catalog unavailable", "err", err)
	}
	// Files deleted behind our back would otherwise stay missing until the
	// interval elapses.
	force := missing > 0
	if _, err := p.Sync(ctx, force); err != nil && !errors.Is(err, ErrPartialSync) {
		return err
	}
	if p.checkEvery <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Sync(ctx, false); err != nil && !errors.Is(err, ErrPartialSync) {
				p.logger.Warn("catalog sync failed", "err", err)
			}
		}
	}
}

// Sync runs a full pass when forced or due. The timestamp of the last
// complete sync only advances when every category succeeded.
func (p *Poller) Sync(ctx context.Context, force bool) (SyncResult, error) {
	if !p.running.TryLock() {
		return SyncResult{}, nil
	}
	defer p.running.Unlock()

	now := p.now()
	if !force {
		state, err := p.provider.LastSync(ctx)
		if err != nil {
			p.logger.Warn("reading last sync failed; syncing anyway", "err", err)
		} else if !state.Due(now, p.interval) {
			p.logger.Debug("catalog sync not due", "last_sync_ms", state.LastSyncMillis)
			return SyncResult{}, nil
		}
	}

	start := time.Now()
	res := refresh(ctx, p.resolver, p.provider, p.logger, domain.Categories())
	metrics.SyncDuration.WithLabelValues(StrategyInterval).Observe(time.Since(start).Seconds())
	metrics.SyncPasses.WithLabelValues(StrategyInterval, passResult(res)).Inc()

	if len(res.Items) > 0 {
		if err := p.provider.Persist(ctx); err != nil {
			p.logger.Warn("persist catalog failed", "err", err)
		}
	}
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%w: %v", ErrPartialSync, res.Failed)
	}
	if err := p.provider.MarkSynced(ctx, now); err != nil {
		p.logger.Warn("persist last sync failed", "err", err)
	}
	p.logger.Info("catalog synced", "strategy", StrategyInterval, "items", res.Items, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Resolver *Resolver
	Provider *Provider
	Logger   *slog.Logger
}

// Listener re-resolves a category whenever its documents change.
type Listener struct {
	resolver *Resolver
	provider *Provider
	logger   *slog.Logger
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Resolver == nil || cfg.Provider == nil {
		return nil, errors.New("catalog: listener requires resolver and provider")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{resolver: cfg.Resolver, provider: cfg.Provider, logger: logger}, nil
}

// LoadCached publishes the persisted snapshot without contacting the
// document store.
func (l *Listener) LoadCached(ctx context.Context) {
	if _, _, err := l.provider.LoadCached(ctx); err != nil {
		l.logger.Warn("cached catalog unavailable", "err", err)
	}
}

// Prime loads the cached snapshot and refreshes every category once, so
// changes made while no subscription existed are picked up.
func (l *Listener) Prime(ctx context.Context) SyncResult {
	l.LoadCached(ctx)
	return l.Refresh(ctx, domain.Categories()...)
}

// Refresh re-resolves the given categories and persists the result.
func (l *Listener) Refresh(ctx context.Context, categories ...domain.Category) SyncResult {
	start := time.Now()
	res := refresh(ctx, l.resolver, l.provider, l.logger, categories)
	metrics.SyncDuration.WithLabelValues(StrategyListener).Observe(time.Since(start).Seconds())
	metrics.SyncPasses.WithLabelValues(StrategyListener, passResult(res)).Inc()
	if len(res.Items) > 0 {
		if err := l.provider.Persist(ctx); err != nil {
			l.logger.Warn("persist catalog failed", "err", err)
		}
	}
	return res
}

// HandleChange refreshes the category named by ev's collection. It returns an
// error when the listing failed so the feed redelivers the event.
func (l *Listener) HandleChange(ctx context.Context, ev domain.ChangeEvent) error {
	c, ok := domain.ParseCategory(ev.Collection)
	if !ok {
		return nil
	}
	res := l.Refresh(ctx, c)
	if len(res.Failed) > 0 {
		return fmt.Errorf("refresh %s after change %s: %w", c, ev.ID, ErrPartialSync)
	}
	l.logger.Debug("catalog category refreshed", "category", c, "event_id", ev.ID, "items", res.Items[c])
	return nil
}

// Register routes change events of every category collection to l.
func (l *Listener) Register(mux *changefeed.Mux) {
	for _, c := range domain.Categories() {
		mux.Handle(string(c), l.HandleChange)
	}
}
