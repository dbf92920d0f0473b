package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"rideradar/models"
)

const (
	defaultHydrateConcurrency = 4
	defaultDetailTimeout      = 15 * time.Second
	defaultRetryBackoff       = 750 * time.Millisecond
)

// PageFetcher returns the HTML of a page. scraper.HTTPFetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type EnrichmentOptions struct {
	// RequestsPerSecond paces detail fetches across all goroutines; zero
	// means unpaced.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Backoff           time.Duration
}

// EnrichmentWorker hydrates listings from their detail pages. A page that
// fails twice yields an empty Detail; hydration never fails a run.
type EnrichmentWorker struct {
	fetcher PageFetcher
	limiter *rate.Limiter
	timeout time.Duration
	backoff time.Duration
	log     *zap.Logger
}

func NewEnrichmentWorker(fetcher PageFetcher, opts EnrichmentOptions) *EnrichmentWorker {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDetailTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultRetryBackoff
	}
	return &EnrichmentWorker{
		fetcher: fetcher,
		limiter: rate.NewLimiter(limit, burst),
		timeout: opts.Timeout,
		backoff: opts.Backoff,
		log:     zap.L().Named("hydrator"),
	}
}

// Hydrate fetches every distinct URL with at most concurrency requests in
// flight. The result holds an entry for each URL attempted.
func (w *EnrichmentWorker) Hydrate(ctx context.Context, urls []string, concurrency int) map[string]models.Detail {
	if concurrency <= 0 {
		concurrency = defaultHydrateConcurrency
	}

	var (
		mu  sync.Mutex
		out = make(map[string]models.Detail, len(urls))
		g   errgroup.Group
	)
	g.SetLimit(concurrency)

	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		g.Go(func() error {
			d := w.enrich(ctx, u)
			mu.Lock()
			out[u] = d
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (w *EnrichmentWorker) enrich(ctx context.Context, pageURL string) models.Detail {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(w.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return models.Detail{}
			case <-t.C:
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return models.Detail{}
		}

		d, err := w.fetchOnce(ctx, pageURL)
		if err == nil {
			return d
		}
		lastErr = err
	}
	w.log.Debug("hydration failed", zap.String("url", pageURL), zap.Error(lastErr))
	return models.Detail{}
}

func (w *EnrichmentWorker) fetchOnce(ctx context.Context, pageURL string) (models.Detail, error) {
	rctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	body, err := w.fetcher.Fetch(rctx, pageURL)
	if err != nil {
		return models.Detail{}, err
	}
	return ParseDetail(body, pageURL)
}
