// Package catalog keeps the local catalog snapshot in step with the remote
// catalog documents and their image assets.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"styleai/internal/metrics"
	"styleai/pkg/domain"
	"styleai/pkg/localfs"
	"styleai/pkg/storage"
	"styleai/pkg/store"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultConcurrency  = 8
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Documents store.CatalogStore
	Files     *localfs.Store
	// FetchTimeout bounds each metadata listing.
	FetchTimeout time.Duration
	// Concurrency bounds parallel asset downloads within a category.
	Concurrency int
	// ThumbnailMaxDim enables thumbnails when > 0.
	ThumbnailMaxDim int
	Logger          *slog.Logger
}

// Resolver turns the documents of a category into locally backed items.
type Resolver struct {
	docs         store.CatalogStore
	files        *localfs.Store
	fetchTimeout time.Duration
	concurrency  int
	thumbDim     int
	logger       *slog.Logger
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Documents == nil {
		return nil, errors.New("catalog: document store required")
	}
	if cfg.Files == nil {
		return nil, errors.New("catalog: file store required")
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		docs:         cfg.Documents,
		files:        cfg.Files,
		fetchTimeout: fetchTimeout,
		concurrency:  concurrency,
		thumbDim:     cfg.ThumbnailMaxDim,
		logger:       logger,
	}, nil
}

type assetJob struct {
	doc    domain.CatalogDocument
	gender domain.Gender
	remote string
}

// ResolveCategory lists the documents of category and resolves every asset
// they reference. Items whose asset cannot be resolved are left out; the
// rest keep document order. Only a failed listing is an error.
func (r *Resolver) ResolveCategory(ctx context.Context, category domain.Category) ([]domain.CatalogItem, error) {
	listCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	docs, err := r.docs.ListDocuments(listCtx, category)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list %s documents: %w", category, err)
	}

	jobs := r.expand(category, docs)
	results := make([]*domain.CatalogItem, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			item, err := r.resolve(ctx, job)
			if err != nil {
				r.logger.Warn("dropping catalog item",
					"category", category, "value", job.doc.Value, "remote", job.remote, "err", err)
				metrics.DroppedItems.WithLabelValues("catalog", dropReason(err)).Inc()
				return nil
			}
			results[i] = &item
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]domain.CatalogItem, 0, len(jobs))
	for _, item := range results {
		if item != nil {
			items = append(items, *item)
		}
	}
	r.logger.Debug("resolved catalog category", "category", category, "documents", len(docs), "items", len(items))
	return items, nil
}

// expand maps documents to asset jobs. A gendered document yields one job per
// gender, male first.
func (r *Resolver) expand(category domain.Category, docs []domain.CatalogDocument) []assetJob {
	jobs := make([]assetJob, 0, len(docs))
	for _, doc := range docs {
		doc.Category = category
		if strings.TrimSpace(doc.FileName) == "" || strings.TrimSpace(doc.Value) == "" {
			r.logger.Warn("skipping incomplete catalog document", "category", category, "id", doc.ID)
			metrics.DroppedItems.WithLabelValues("catalog", "invalid_document").Inc()
			continue
		}
		if !doc.Gendered {
			jobs = append(jobs, assetJob{doc: doc, remote: storage.StylePath(category, "", doc.FileName)})
			continue
		}
		for _, g := range domain.Genders() {
			jobs = append(jobs, assetJob{doc: doc, gender: g, remote: storage.StylePath(category, g, doc.FileName)})
		}
	}
	return jobs
}

// resolve caches assets per category so equal file names in different
// categories stay distinct.
func (r *Resolver) resolve(ctx context.Context, job assetJob) (domain.CatalogItem, error) {
	files := r.files.Sub(string(job.doc.Category))
	local, err := files.Resolve(ctx, job.remote, string(job.gender))
	if err != nil {
		return domain.CatalogItem{}, err
	}
	item := domain.CatalogItem{
		Category:  job.doc.Category,
		Value:     job.doc.Value,
		RemoteRef: job.remote,
		LocalURI:  local,
		Gender:    job.gender,
	}
	if r.thumbDim > 0 {
		if thumb, err := files.Thumbnail(local, r.thumbDim); err == nil {
			item.ThumbnailURI = thumb
		} else {
			r.logger.Debug("thumbnail failed", "path", local, "err", err)
		}
	}
	return item, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, localfs.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "download"
	}
}
