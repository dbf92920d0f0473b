package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"rideradar/config"
	"rideradar/httputil"
	"rideradar/normalize"
	"rideradar/scraper"
	"rideradar/services"
	"rideradar/storage"
	"rideradar/workers"
)

const defaultDetailRate = 2.0

var errNoDatabase = eris.New("DATABASE_URL is required unless --dry-run is set")

type appOptions struct {
	needStore bool
	assist    bool
	// vendors limits which sources are built; empty means all.
	vendors []string
}

// app holds every long-lived component of one process.
type app struct {
	cfg          *config.Config
	clients      *httputil.Clients
	health       *services.HealthRegistry
	ledger       *storage.SQLiteLedger
	pg           *storage.PostgresStore
	listings     *services.ListingService
	media        *workers.MediaWorker
	hydrator     *workers.EnrichmentWorker
	healthWorker *workers.HealthcheckWorker
	orchestrator *scraper.Orchestrator
	browser      *scraper.BrowserFetcher
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, health: services.NewHealthRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	clients, err := httputil.NewClients(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	a.clients = clients

	a.ledger, err = storage.NewSQLiteLedger(cfg.LedgerPath)
	if err != nil {
		return nil, eris.Wrap(err, "open run ledger")
	}
	if saved, err := a.ledger.LoadHealth(); err != nil {
		zap.L().Warn("could not restore vendor health", zap.Error(err))
	} else {
		a.health.Restore(saved)
	}
	a.healthWorker = workers.NewHealthcheckWorker(a.health, a.ledger)
	a.healthWorker.SetLogger(workers.LedgerLogger(a.ledger))

	var store storage.ListingStore
	switch {
	case cfg.DatabaseURL != "":
		a.pg, err = storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		zap.L().Info("connected to postgres", zap.String("url", maskConnectionString(cfg.DatabaseURL)))
		if err := a.setupMedia(ctx); err != nil {
			return nil, err
		}
		var media *services.MediaService
		if a.media != nil {
			media = services.NewMediaService(a.media)
		}
		a.listings = services.NewListingService(a.pg, media)
		store = a.listings
	case opts.needStore:
		return nil, errNoDatabase
	}

	a.orchestrator = scraper.NewOrchestrator(normalize.DefaultRegistry(), store, a.health)
	a.orchestrator.SetLedger(a.ledger)

	if err := a.setupSources(opts); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) setupMedia(ctx context.Context) error {
	s3cfg := storage.S3Config{
		Bucket:          a.cfg.S3.Bucket,
		Region:          a.cfg.S3.Region,
		Endpoint:        a.cfg.S3.Endpoint,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
		Prefix:          a.cfg.S3.Prefix,
	}
	if !s3cfg.Enabled() {
		zap.L().Info("media mirror disabled, no S3 bucket configured")
		return nil
	}
	bucket, err := storage.NewMediaBucket(ctx, s3cfg)
	if err != nil {
		return eris.Wrap(err, "media bucket")
	}
	a.media = workers.NewMediaWorker(a.clients.Media, bucket, s3cfg.Prefix, a.cfg.Media.QueueSize)
	return nil
}

func (a *app) setupSources(opts appOptions) error {
	want := make(map[string]bool, len(opts.vendors))
	for _, v := range opts.vendors {
		want[v] = true
	}
	include := func(key string) bool {
		return len(want) == 0 || want[key]
	}

	assist := opts.assist
	for _, vc := range a.cfg.Vendors {
		assist = assist || vc.Assist
	}
	a.browser = scraper.NewBrowserFetcher(scraper.BrowserOptions{
		ProfileDir: a.cfg.Browser.ProfileDir,
		Headless:   a.cfg.Browser.Headless && !assist,
		Assist:     assist,
	})

	mux := scraper.NewFetcherMux(scraper.NewHTTPFetcher(a.clients.Scraping, scraper.FetcherOptions{}))
	rate := 0.0
	for key, profile := range scraper.Profiles() {
		vc := a.cfg.Vendor(key)
		if vc.Disabled || !include(key) {
			continue
		}
		profile = profile.WithBaseURL(vc.BaseURL)
		fetcher := scraper.NewHTTPFetcher(a.clients.Scraping, scraper.FetcherOptions{
			BaseURL:        profile.BaseURL,
			WarmupInterval: vc.WarmupInterval,
			Detector:       scraper.NewChallengeDetector(profile.PositiveMarkers...),
			Escalate:       vc.Escalate || profile.Escalate,
			Assisted:       a.browser,
			RespectRobots:  vc.RespectRobots,
		})
		lo, hi := vc.Delays()
		a.orchestrator.AddSource(scraper.NewHTMLSource(profile, fetcher), scraper.Pacer{Min: lo, Max: hi})
		mux.Handle(profile.BaseURL, fetcher)
		if vc.RateLimit > rate {
			rate = vc.RateLimit
		}
	}

	if vc := a.cfg.Vendor("ebay"); !vc.Disabled && include("ebay") {
		src, err := scraper.NewEbaySource(a.clients.API, scraper.EbayConfig{
			AppID:    a.cfg.Ebay.AppID,
			CertID:   a.cfg.Ebay.CertID,
			Scopes:   a.cfg.Ebay.Scopes,
			MinPrice: vc.Policy.MinPrice,
			MaxPrice: vc.Policy.MaxPrice,
		})
		switch {
		case err == nil:
			lo, hi := vc.Delays()
			a.orchestrator.AddSource(src, scraper.Pacer{Min: lo, Max: hi})
		case len(want) > 0:
			return err
		default:
			zap.L().Info("ebay source disabled", zap.Error(err))
		}
	}

	if rate <= 0 {
		rate = defaultDetailRate
	}
	a.hydrator = workers.NewEnrichmentWorker(mux, workers.EnrichmentOptions{RequestsPerSecond: rate, Burst: 2})
	a.orchestrator.SetHydrator(a.hydrator)
	return nil
}

func (a *app) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.healthWorker != nil {
		if _, err := a.healthWorker.Flush(); err != nil {
			zap.L().Warn("final health flush failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
}

// drainMedia gives queued photo jobs a bounded window before a one-shot
// command exits.
func (a *app) drainMedia(ctx context.Context, timeout time.Duration) {
	if a.media == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n := a.media.Drain(ctx)
	zap.L().Info("media drained", zap.Int("jobs", n), zap.Int64("uploaded", a.media.Uploaded()), zap.Int64("dropped", a.media.Dropped()))
}
