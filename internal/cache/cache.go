// Package cache implements the per-route caching strategies the edge applies
// to upstream requests: cache-first for static assets,
// stale-while-revalidate for learning content, and network-first with an
// offline fallback document for navigation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/store"
)

// Cache partition names. Versioned so Activate can drop partitions left
// behind by older releases.
const (
	StaticPartition  = "pelajari-static-v1"
	ContentPartition = "pelajari-content-v1"
)

// OfflinePagePath is the reserved URL for the offline fallback document. It
// is seeded into the static partition at init and must always be resident.
const OfflinePagePath = "/offline.html"

// Result is a materialized upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher performs the actual network fetch against the upstream API.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Result, error)
}

// Controller routes each request to a caching strategy and serves cached
// responses when the network is unavailable.
type Controller struct {
	repo        store.Repository
	fetcher     Fetcher
	offlinePage []byte
	precache    []string
	syncHook    func(ctx context.Context)
}

// New creates a cache controller. offlinePage is the document served when a
// navigation request cannot be satisfied; precache lists shell URLs fetched
// and stored at init.
func New(repo store.Repository, fetcher Fetcher, offlinePage []byte, precache []string) *Controller {
	return &Controller{
		repo:        repo,
		fetcher:     fetcher,
		offlinePage: offlinePage,
		precache:    precache,
	}
}

// SetSyncHook registers the queue drainer fired by TriggerSync.
func (c *Controller) SetSyncHook(fn func(ctx context.Context)) {
	c.syncHook = fn
}

// Init seeds the static partition: the offline fallback document always, and
// the configured shell URLs best-effort (an unreachable upstream at startup
// must not prevent the edge from coming up).
func (c *Controller) Init(ctx context.Context) error {
	offline := &domain.CachedResponse{
		Partition:  StaticPartition,
		URL:        OfflinePagePath,
		StatusCode: http.StatusOK,
		Header:     map[string][]string{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       c.offlinePage,
		FetchedAt:  time.Now(),
	}
	if err := c.repo.PutCachedResponse(ctx, offline); err != nil {
		return fmt.Errorf("seed offline document: %w", err)
	}

	for _, url := range c.precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			slog.Warn("invalid precache url", "url", url, "error", err)
			continue
		}
		res, err := c.fetcher.Fetch(ctx, req)
		if err != nil || res.StatusCode >= 400 {
			slog.Warn("precache fetch failed", "url", url, "error", err)
			continue
		}
		c.storeResult(ctx, StaticPartition, url, res)
	}

	return nil
}

// Activate drops every cache partition except the current static and content
// partitions. Called when a new edge version takes over.
func (c *Controller) Activate(ctx context.Context) {
	removed, err := c.repo.DeleteCachePartitionsExcept(ctx, StaticPartition, ContentPartition)
	if err != nil {
		slog.Error("failed to clean stale cache partitions", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("removed stale cache entries", "count", removed)
	}
}

// TriggerSync fires the deferred-sync hook. Draining is best-effort; the
// queue itself clears entries only after confirmed delivery.
func (c *Controller) TriggerSync(ctx context.Context) {
	if c.syncHook == nil {
		return
	}
	c.syncHook(ctx)
}

// Handle routes a request through the matching caching strategy.
func (c *Controller) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	if isAPIRequest(req) {
		return c.handleAPI(ctx, req)
	}
	if isNavigation(req) {
		return c.networkFirst(ctx, req)
	}
	return c.cacheFirst(ctx, req)
}

// isAPIRequest reports whether the request path falls under the API namespace.
func isAPIRequest(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/api/")
}

// isLearningContent reports whether the request is a learning-content read.
func isLearningContent(req *http.Request) bool {
	return req.Method == http.MethodGet && strings.Contains(req.URL.Path, "/learning/modules")
}

// isNavigation reports whether the request is a full-page load.
func isNavigation(req *http.Request) bool {
	return req.Method == http.MethodGet &&
		strings.Contains(req.Header.Get("Accept"), "text/html")
}

func cacheKey(req *http.Request) string {
	return req.URL.RequestURI()
}

// handleAPI applies stale-while-revalidate to learning-content reads and
// passes everything else to the network, falling back to any cached match on
// failure.
func (c *Controller) handleAPI(ctx context.Context, req *http.Request) (*Result, error) {
	key := cacheKey(req)

	if isLearningContent(req) {
		cached, err := c.repo.GetCachedResponse(ctx, ContentPartition, key)
		if err != nil {
			slog.Warn("cache lookup failed", "url", key, "error", err)
		}
		if cached != nil {
			// Serve stale immediately; refresh in the background. The
			// refetch must never surface to this caller.
			go c.revalidate(context.WithoutCancel(ctx), req.Clone(context.WithoutCancel(ctx)))
			return fromCached(cached), nil
		}
	}

	res, err := c.fetcher.Fetch(ctx, req)
	if err == nil {
		if isLearningContent(req) && res.StatusCode < 400 {
			c.storeResult(ctx, ContentPartition, key, res)
		}
		return res, nil
	}

	// Network down: fall back to any cached match regardless of partition.
	cached, lookupErr := c.repo.FindCachedResponse(ctx, key)
	if lookupErr != nil {
		slog.Warn("fallback cache lookup failed", "url", key, "error", lookupErr)
	}
	if cached != nil {
		return fromCached(cached), nil
	}

	return nil, err
}

// revalidate refreshes a learning-content cache entry in the background.
func (c *Controller) revalidate(ctx context.Context, req *http.Request) {
	res, err := c.fetcher.Fetch(ctx, req)
	if err != nil || res.StatusCode >= 400 {
		slog.Warn("background cache refresh failed", "url", cacheKey(req), "error", err)
		return
	}
	c.storeResult(ctx, ContentPartition, cacheKey(req), res)
}

// networkFirst serves navigation requests, preferring the live page and
// degrading to a cached copy, then to the offline document.
func (c *Controller) networkFirst(ctx context.Context, req *http.Request) (*Result, error) {
	res, err := c.fetcher.Fetch(ctx, req)
	if err == nil {
		return res, nil
	}

	key := cacheKey(req)
	cached, lookupErr := c.repo.FindCachedResponse(ctx, key)
	if lookupErr != nil {
		slog.Warn("fallback cache lookup failed", "url", key, "error", lookupErr)
	}
	if cached != nil {
		return fromCached(cached), nil
	}

	offline, lookupErr := c.repo.GetCachedResponse(ctx, StaticPartition, OfflinePagePath)
	if lookupErr != nil || offline == nil {
		// Seeded at init, so this indicates storage corruption. Serve the
		// embedded copy rather than failing the navigation.
		slog.Error("offline document missing from cache", "error", lookupErr)
		return &Result{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			Body:       c.offlinePage,
		}, nil
	}
	return fromCached(offline), nil
}

// cacheFirst serves static assets from cache, fetching and populating the
// static partition on a miss. Failures propagate: generic assets have no
// offline fallback.
func (c *Controller) cacheFirst(ctx context.Context, req *http.Request) (*Result, error) {
	key := cacheKey(req)

	if req.Method == http.MethodGet {
		cached, err := c.repo.GetCachedResponse(ctx, StaticPartition, key)
		if err != nil {
			slog.Warn("cache lookup failed", "url", key, "error", err)
		}
		if cached != nil {
			return fromCached(cached), nil
		}
	}

	res, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodGet && res.StatusCode < 400 {
		c.storeResult(ctx, StaticPartition, key, res)
	}
	return res, nil
}

func (c *Controller) storeResult(ctx context.Context, partition, url string, res *Result) {
	entry := &domain.CachedResponse{
		Partition:  partition,
		URL:        url,
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
		FetchedAt:  time.Now(),
	}
	if err := c.repo.PutCachedResponse(ctx, entry); err != nil {
		slog.Error("failed to store cache entry", "partition", partition, "url", url, "error", err)
	}
}

func fromCached(entry *domain.CachedResponse) *Result {
	return &Result{
		StatusCode: entry.StatusCode,
		Header:     http.Header(entry.Header),
		Body:       entry.Body,
	}
}
