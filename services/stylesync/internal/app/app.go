package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"styleai/internal/ratelimit"
	"styleai/pkg/catalog"
	"styleai/pkg/changefeed"
	"styleai/pkg/domain"
	"styleai/pkg/favorites"
	"styleai/pkg/history"
	"styleai/pkg/kv"
	"styleai/pkg/localfs"
	"styleai/pkg/storage"
	"styleai/pkg/store"
)

// Sync strategies accepted by Config.SyncStrategy.
const (
	StrategyInterval = catalog.StrategyInterval
	StrategyListener = catalog.StrategyListener
)

// Change feed backends accepted by Config.ChangeFeed.
const (
	FeedRedis = "redis"
	FeedAMQP  = "amqp"
)

const feedRetryDelay = 5 * time.Second

// Config holds runtime configuration for the core application. Store, Objects,
// KV, Feed and ResyncLimiter may be injected; otherwise they are built from
// the connection settings.
type Config struct {
	CacheDir string

	DatabaseURL string
	Store       store.Store

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string
	KV             kv.Store

	ChangeFeed   string
	ChangeStream string
	AMQPURL      string
	AMQPExchange string
	Feed         changefeed.Feed

	SyncStrategy       string
	SyncInterval       time.Duration
	SyncCheckEvery     time.Duration
	PresignExpiry      time.Duration
	DownloadTimeout    time.Duration
	FetchTimeout       time.Duration
	ResolveConcurrency int
	ThumbnailMaxDim    int
	HistoryMaxEntries  int
	// GeneratedHosts lists the hosts generated images may be saved from.
	GeneratedHosts []string

	ResyncLimitPerHour int
	ResyncLimiter      ratelimit.Limiter

	Now    func() time.Time
	Logger *slog.Logger
}

// App wires the local media cache to its remote collaborators and owns the
// signed-in sessions of this device.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	kv        kv.Store
	feed      changefeed.Feed
	provider  *catalog.Provider
	poller    *catalog.Poller
	listener  *catalog.Listener
	history   *history.Log
	favorites *favorites.Set
	limiter   ratelimit.Limiter
	strategy  string
	feedRetry time.Duration
	now       func() time.Time
	logger    *slog.Logger
	closers   []func() error

	mu       sync.Mutex
	sessions map[string]*Session

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New constructs the application. Nothing runs until Start.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	strategy := strings.TrimSpace(cfg.SyncStrategy)
	if strategy == "" {
		strategy = StrategyInterval
	}
	if strategy != StrategyInterval && strategy != StrategyListener {
		return nil, fmt.Errorf("unknown sync strategy %q", strategy)
	}
	if strings.TrimSpace(cfg.CacheDir) == "" {
		return nil, errors.New("cache dir required")
	}

	a := &App{
		strategy:  strategy,
		feedRetry: feedRetryDelay,
		now:       now,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())
	if err := a.initBackends(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initComponents(cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initBackends(cfg Config) error {
	var err error
	a.objects = cfg.Objects
	if a.objects == nil {
		a.objects, err = storage.NewMinioStore(context.Background(), storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("init object store: %w", err)
		}
	}

	a.store = cfg.Store
	if a.store == nil {
		if cfg.DatabaseURL == "" {
			return errors.New("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = gs
		a.closers = append(a.closers, gs.Close)
	}

	a.kv = cfg.KV
	if a.kv == nil {
		if cfg.RedisAddr == "" {
			return errors.New("redis addr required")
		}
		rs := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		a.kv = rs
		a.closers = append(a.closers, rs.Client().Close)
	}
	redisStore, _ := a.kv.(*kv.RedisStore)

	a.feed = cfg.Feed
	if a.feed == nil {
		switch strings.TrimSpace(cfg.ChangeFeed) {
		case FeedAMQP:
			f, err := changefeed.NewAMQPFeed(changefeed.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Logger: a.logger})
			if err != nil {
				return fmt.Errorf("init amqp change feed: %w", err)
			}
			a.feed = f
			a.closers = append(a.closers, f.Close)
		case "", FeedRedis:
			if redisStore != nil {
				f, err := changefeed.NewRedisFeed(changefeed.RedisConfig{Client: redisStore.Client(), Stream: cfg.ChangeStream, Logger: a.logger})
				if err != nil {
					return fmt.Errorf("init redis change feed: %w", err)
				}
				a.feed = f
				a.closers = append(a.closers, f.Close)
			}
		default:
			return fmt.Errorf("unknown change feed %q", cfg.ChangeFeed)
		}
	}
	if a.feed == nil && a.strategy == StrategyListener {
		return errors.New("listener sync strategy requires a change feed")
	}

	a.limiter = cfg.ResyncLimiter
	if a.limiter == nil && redisStore != nil && cfg.ResyncLimitPerHour > 0 {
		prefix := strings.TrimSuffix(strings.TrimSpace(cfg.RedisKeyPrefix), ":")
		if prefix == "" {
			prefix = "stylesync"
		}
		a.limiter, err = ratelimit.NewFixedWindowLimiterWithClient(redisStore.Client(), prefix+":ratelimit:resync", cfg.ResyncLimitPerHour, time.Hour)
		if err != nil {
			return fmt.Errorf("init resync limiter: %w", err)
		}
	}
	return nil
}

func (a *App) initComponents(cfg Config) error {
	styleFiles, err := localfs.New(localfs.Config{
		Dir:             filepath.Join(cfg.CacheDir, "styles"),
		Kind:            "catalog",
		Objects:         a.objects,
		PresignExpiry:   cfg.PresignExpiry,
		DownloadTimeout: cfg.DownloadTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	hosts := history.NewHostPolicy(cfg.GeneratedHosts)
	generatedFiles, err := localfs.New(localfs.Config{
		Dir:             filepath.Join(cfg.CacheDir, "generated"),
		Kind:            "generated",
		Objects:         a.objects,
		HTTPClient:      &http.Client{CheckRedirect: hosts.CheckRedirect},
		PresignExpiry:   cfg.PresignExpiry,
		DownloadTimeout: cfg.DownloadTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}

	resolver, err := catalog.NewResolver(catalog.ResolverConfig{
		Documents:       a.store,
		Files:           styleFiles,
		FetchTimeout:    cfg.FetchTimeout,
		Concurrency:     cfg.ResolveConcurrency,
		ThumbnailMaxDim: cfg.ThumbnailMaxDim,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	a.provider = catalog.NewProvider(a.kv, a.logger)
	switch a.strategy {
	case StrategyInterval:
		a.poller, err = catalog.NewPoller(catalog.PollerConfig{
			Resolver:   resolver,
			Provider:   a.provider,
			Interval:   cfg.SyncInterval,
			CheckEvery: cfg.SyncCheckEvery,
			Now:        a.now,
			Logger:     a.logger,
		})
	case StrategyListener:
		a.listener, err = catalog.NewListener(catalog.ListenerConfig{Resolver: resolver, Provider: a.provider, Logger: a.logger})
	}
	if err != nil {
		return err
	}

	a.history, err = history.New(history.Config{
		KV:         a.kv,
		Files:      generatedFiles,
		Objects:    a.objects,
		Hosts:      hosts,
		MaxEntries: cfg.HistoryMaxEntries,
		Now:        a.now,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.favorites = favorites.New(a.kv)
	return nil
}

// Start runs catalog sync and the change feed subscription in the background
// until ctx is done or Close is called. It does not block.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	if a.bgCtx.Err() != nil {
		a.mu.Unlock()
		return
	}
	// Both background loops are counted before Close can start waiting.
	a.bg.Add(2)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.bgCtx, cancel)

	mux := changefeed.NewMux()
	mux.Handle(domain.CollectionUsers, a.handleUserChange)

	go func() {
		defer a.bg.Done()
		switch {
		case a.poller != nil:
			if err := a.poller.Run(ctx); err != nil {
				a.logger.Error("catalog poller stopped", "err", err)
			}
		case a.listener != nil:
			a.listener.LoadCached(ctx)
		}
	}()
	if a.listener != nil {
		a.listener.Register(mux)
	}

	if a.feed == nil {
		a.bg.Done()
		return
	}
	// Events published while no subscription was bound are lost, so every
	// new subscription starts by re-reading what they would have announced.
	ready := func() {
		if a.listener != nil {
			res := a.listener.Refresh(ctx, domain.Categories()...)
			if len(res.Failed) > 0 {
				a.logger.Warn("catalog refresh after subscribe incomplete", "failed", res.Failed)
			}
		}
		a.refreshSessions(ctx)
	}
	go func() {
		defer a.bg.Done()
		defer stop()
		defer cancel()
		for {
			err := a.feed.Subscribe(ctx, mux.Dispatch, ready)
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("change feed subscription ended; retrying", "err", err, "delay", a.feedRetry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.feedRetry):
			}
		}
	}()
}

// Close stops background work and releases the connections New opened.
func (a *App) Close() error {
	a.mu.Lock()
	a.bgCancel()
	a.mu.Unlock()
	a.bg.Wait()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Strategy reports the configured catalog sync strategy.
func (a *App) Strategy() string {
	return a.strategy
}

// Catalog returns the current catalog snapshot.
func (a *App) Catalog() domain.CatalogSnapshot {
	return a.provider.Snapshot()
}

// SubscribeCatalog streams snapshots as categories are republished.
func (a *App) SubscribeCatalog() (<-chan domain.CatalogSnapshot, func()) {
	return a.provider.Subscribe()
}

// SyncCatalog forces a full catalog pass regardless of the last sync time.
// A pass where some categories kept their previous items returns the result
// together with catalog.ErrPartialSync.
func (a *App) SyncCatalog(ctx context.Context) (catalog.SyncResult, error) {
	if a.poller != nil {
		return a.poller.Sync(ctx, true)
	}
	res := a.listener.Refresh(ctx, domain.Categories()...)
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%w: %v", catalog.ErrPartialSync, res.Failed)
	}
	return res, nil
}

// Documents lists the remote metadata documents of a category.
func (a *App) Documents(ctx context.Context, category domain.Category) ([]domain.CatalogDocument, error) {
	return a.store.ListDocuments(ctx, category)
}

// SaveDocument validates and stores a catalog document, then announces the
// change so listening devices refresh the category.
func (a *App) SaveDocument(ctx context.Context, doc domain.CatalogDocument) (domain.CatalogDocument, error) {
	if err := store.ValidateDocument(doc); err != nil {
		return domain.CatalogDocument{}, err
	}
	saved, err := a.store.SaveDocument(ctx, doc)
	if err != nil {
		return domain.CatalogDocument{}, err
	}
	a.announce(ctx, string(saved.Category), saved.ID)
	return saved, nil
}

// DeleteDocument removes a catalog document and announces the change.
func (a *App) DeleteDocument(ctx context.Context, category domain.Category, id string) error {
	if err := a.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	a.announce(ctx, string(category), id)
	return nil
}

// PutAsset uploads the image a catalog document points at.
func (a *App) PutAsset(ctx context.Context, category domain.Category, gender domain.Gender, fileName string, r io.Reader, size int64) (string, error) {
	if _, ok := domain.ParseCategory(string(category)); !ok {
		return "", fmt.Errorf("unknown category %q", category)
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" || strings.Contains(fileName, "/") {
		return "", errors.New("invalid asset file name")
	}
	key := storage.StylePath(category, gender, fileName)
	if err := a.objects.Put(ctx, key, r, size, contentTypeFor(fileName)); err != nil {
		return "", fmt.Errorf("upload asset: %w", err)
	}
	return key, nil
}

func (a *App) announce(ctx context.Context, collection, key string) {
	if a.feed == nil {
		a.bg.Done()
		return
	}
	if _, err := a.feed.Publish(ctx, collection, key); err != nil {
		a.logger.Warn("publish change event failed", "collection", collection, "err", err)
	}
}

func (a *App) refreshSessions(ctx context.Context) {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	a.mu.Unlock()
	for _, sess := range sessions {
		if err := sess.refreshProfile(ctx); err != nil && !errors.Is(err, store.ErrProfileNotFound) {
			a.logger.Warn("profile refresh after subscribe failed", "user_key", history.StorageKey(sess.userID), "err", err)
		}
	}
}

func (a *App) handleUserChange(ctx context.Context, ev domain.ChangeEvent) error {
	sess, ok := a.Session(ev.Key)
	if !ok {
		return nil
	}
	return sess.refreshProfile(ctx)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
