package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"rideradar/models"
	"rideradar/normalize"
	"rideradar/storage"
)

var (
	ErrUnknownVendor = eris.New("unknown vendor")
	ErrNoStore       = eris.New("listing store not configured")
)

const dryRunPreview = 3

// Hydrator enriches listings from their detail pages. It never fails: a URL
// it could not hydrate maps to an empty Detail or is absent.
type Hydrator interface {
	Hydrate(ctx context.Context, urls []string, concurrency int) map[string]models.Detail
}

// HealthReporter receives one success or error event per vendor run.
type HealthReporter interface {
	MarkSuccess(vendor string)
	MarkError(vendor, message string)
}

// RunLedger persists run summaries and run-scoped log lines.
type RunLedger interface {
	CreateRun(run *models.RunSummary) error
	UpdateRun(run *models.RunSummary) error
	Log(runID *uuid.UUID, level models.LogLevel, message, vendor string) error
}

type Orchestrator struct {
	sources     map[string]Source
	pacers      map[string]Pacer
	normalizers *normalize.Registry
	store       storage.ListingStore
	health      HealthReporter
	hydrator    Hydrator
	ledger      RunLedger
}

func NewOrchestrator(normalizers *normalize.Registry, store storage.ListingStore, health HealthReporter) *Orchestrator {
	if normalizers == nil {
		normalizers = normalize.DefaultRegistry()
	}
	return &Orchestrator{
		sources:     make(map[string]Source),
		pacers:      make(map[string]Pacer),
		normalizers: normalizers,
		store:       store,
		health:      health,
	}
}

// AddSource registers a vendor source with the politeness delay used
// between its pages.
func (o *Orchestrator) AddSource(src Source, pacer Pacer) {
	key := strings.ToLower(src.Vendor())
	o.sources[key] = src
	o.pacers[key] = pacer
}

func (o *Orchestrator) SetHydrator(h Hydrator) { o.hydrator = h }

func (o *Orchestrator) SetLedger(l RunLedger) { o.ledger = l }

func (o *Orchestrator) Vendors() []string {
	out := make([]string, 0, len(o.sources))
	for k := range o.sources {
		out = append(out, k)
	}
	return out
}

// Run executes one vendor ingest. Only configuration problems are returned
// as errors; fetch and parse failures end up in the summary and the health
// registry.
func (o *Orchestrator) Run(ctx context.Context, params models.SearchParams, policy models.Policy) (*models.RunSummary, error) {
	vendor := strings.ToLower(strings.TrimSpace(params.Vendor))
	src, ok := o.sources[vendor]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownVendor, "%q", params.Vendor)
	}
	norm, ok := o.normalizers.Get(vendor)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownVendor, "no normalizer for %q", vendor)
	}
	if o.store == nil && !policy.DryRun {
		return nil, ErrNoStore
	}
	if vendor == "pickles" {
		params.BuyMethod = SearchBuyMethod(params, policy)
	}

	run := models.NewRunSummary(vendor)
	r := &runner{
		o:      o,
		run:    run,
		params: params,
		policy: policy,
		log:    zap.L().With(zap.String("vendor", vendor), zap.String("run_id", run.ID.String())),
	}
	if o.ledger != nil {
		if err := o.ledger.CreateRun(run); err != nil {
			r.log.Warn("failed to record run", zap.Error(err))
		}
	}
	r.logf(models.LogLevelInfo, "starting ingest make=%q model=%q state=%q query=%q limit=%d pages=%d",
		params.Make, params.Model, params.State, params.Query, params.Limit, params.MaxPages)

	defer r.finish()

	tiles, fetchErr := r.page(ctx, src)
	if fetchErr != nil && run.Fetched == 0 {
		run.Status = models.RunStatusFailed
		run.Error = fetchErr.Error()
		r.logf(models.LogLevelError, "no pages fetched: %v", fetchErr)
		o.reportError(vendor, fetchErr.Error())
		return run, nil
	}

	tiles = r.filter(ctx, tiles)
	listings := r.normalize(norm, tiles)
	r.upsert(ctx, listings)

	run.State = models.StateDone
	run.Status = models.RunStatusCompleted
	switch {
	case run.Upserted > 0, policy.DryRun && run.NormalizedOK > 0:
		if o.health != nil {
			o.health.MarkSuccess(vendor)
		}
	case fetchErr != nil:
		o.reportError(vendor, fetchErr.Error())
	default:
		o.reportError(vendor, "no results")
	}
	return run, nil
}

func (o *Orchestrator) reportError(vendor, msg string) {
	if o.health != nil {
		o.health.MarkError(vendor, msg)
	}
}

type runner struct {
	o      *Orchestrator
	run    *models.RunSummary
	params models.SearchParams
	policy models.Policy
	log    *zap.Logger
}

func (r *runner) logf(level models.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case models.LogLevelError:
		r.log.Error(msg)
	case models.LogLevelWarn:
		r.log.Warn(msg)
	default:
		r.log.Info(msg)
	}
	if r.o.ledger != nil {
		id := r.run.ID
		if err := r.o.ledger.Log(&id, level, msg, r.run.Vendor); err != nil {
			r.log.Debug("ledger log failed", zap.Error(err))
		}
	}
}

func (r *runner) finish() {
	run := r.run
	run.FinishedAt = time.Now().UTC()
	if run.Status == models.RunStatusRunning {
		run.Status = models.RunStatusFailed
	}
	r.logf(models.LogLevelInfo, "summary fetched=%d kept=%d normalized_ok=%d normalized_err=%d upserted=%d hydrated=%d pages_walked=%d drops[%s]",
		run.Fetched, run.Kept, run.NormalizedOK, run.NormalizedErr, run.Upserted, run.Hydrated, run.PagesWalked, formatDrops(run.Drops))
	if r.o.ledger != nil {
		if err := r.o.ledger.UpdateRun(run); err != nil {
			r.log.Warn("failed to update run", zap.Error(err))
		}
	}
}

// page walks search pages sequentially. Structural filters (missing URL,
// duplicate URL, off-query) run here so the limit counts real candidates.
func (r *runner) page(ctx context.Context, src Source) ([]models.RawTile, error) {
	run := r.run
	run.State = models.StatePaging

	maxPages := r.params.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	limit := r.params.Limit
	query := NewQueryMatcher(r.params.Query, r.params.Make)
	pacer := r.o.pacers[run.Vendor]
	seen := make(map[string]bool)

	var tiles []models.RawTile
	for page := 1; page <= maxPages; page++ {
		if page > 1 {
			if err := pacer.Wait(ctx); err != nil {
				return tiles, err
			}
		}

		res, err := src.Page(ctx, r.params, page)
		run.Drops.Merge(res.Drops)
		if err != nil && !errors.Is(err, ErrNoTilesFound) {
			r.logf(models.LogLevelWarn, "page %d fetch failed: %v", page, err)
			return tiles, err
		}
		run.PagesWalked++
		if errors.Is(err, ErrNoTilesFound) {
			r.logf(models.LogLevelInfo, "page %d: no tiles, stopping", page)
			break
		}

		fresh := 0
		for _, t := range res.Tiles {
			run.Fetched++
			if strings.TrimSpace(t.URL) == "" {
				run.Drops.Inc(models.DropQualityGate)
				continue
			}
			if seen[t.URL] {
				run.Drops.Inc(models.DropDuplicate)
				continue
			}
			seen[t.URL] = true
			fresh++
			if !query.Match(t) {
				run.Drops.Inc(models.DropOffQuery)
				continue
			}
			if t.Vendor == "" {
				t.Vendor = run.Vendor
			}
			tiles = append(tiles, t)
			if limit > 0 && len(tiles) >= limit {
				r.logf(models.LogLevelInfo, "page %d: limit %d reached", page, limit)
				return tiles, nil
			}
		}
		r.logf(models.LogLevelInfo, "page %d: %d tiles, %d new, %d candidates", page, len(res.Tiles), fresh, len(tiles))
		if fresh == 0 {
			break
		}
	}
	return tiles, nil
}

// filter applies the field gates, hydrating first when enabled so detail
// pages can fill what the search tile lacked.
func (r *runner) filter(ctx context.Context, tiles []models.RawTile) []models.RawTile {
	if r.policy.Hydrate && r.o.hydrator != nil && len(tiles) > 0 {
		r.run.State = models.StateHydrating
		r.hydrate(ctx, tiles)
	}

	r.run.State = models.StateFiltering
	kept := tiles[:0]
	for _, t := range tiles {
		if reason := FieldGate(r.policy, t, r.run.Info); reason != "" {
			r.run.Drops.Inc(reason)
			continue
		}
		kept = append(kept, t)
	}
	r.run.Kept = len(kept)
	return kept
}

func (r *runner) hydrate(ctx context.Context, tiles []models.RawTile) {
	urls := make([]string, len(tiles))
	for i, t := range tiles {
		urls[i] = t.URL
	}
	details := r.o.hydrator.Hydrate(ctx, urls, r.policy.HydrateConcurrency)
	for i := range tiles {
		d, ok := details[tiles[i].URL]
		if !ok || d.IsEmpty() {
			continue
		}
		tiles[i].Merge(d)
		r.run.Hydrated++
	}
	r.logf(models.LogLevelInfo, "hydrated %d/%d", r.run.Hydrated, len(tiles))
}

func (r *runner) normalize(norm normalize.Normalizer, tiles []models.RawTile) []*models.Listing {
	r.run.State = models.StateNormalizing
	out := make([]*models.Listing, 0, len(tiles))
	for _, t := range tiles {
		l, err := norm.Normalize(t)
		if err != nil {
			r.run.NormalizedErr++
			r.run.Drops.Inc(models.DropNormalizeError)
			r.log.Debug("normalize failed", zap.String("url", t.URL), zap.Error(err))
			continue
		}
		out = append(out, l)
	}
	r.run.NormalizedOK = len(out)
	return out
}

func (r *runner) upsert(ctx context.Context, listings []*models.Listing) {
	if r.policy.DryRun {
		for i, l := range listings {
			if i >= dryRunPreview {
				break
			}
			r.log.Info("dry run", zap.String("source_id", l.SourceID), zap.String("url", l.SourceURL),
				zap.String("make", l.Make), zap.String("model", l.Model), zap.Intp("price", l.Price))
		}
		return
	}

	r.run.State = models.StateUpserting
	for _, l := range listings {
		if ctx.Err() != nil {
			r.logf(models.LogLevelWarn, "upsert interrupted: %v", ctx.Err())
			return
		}
		if err := r.o.store.Upsert(ctx, l); err != nil {
			r.run.StoreErrors++
			r.logf(models.LogLevelError, "upsert %s/%s: %v", l.Source, l.SourceID, err)
			continue
		}
		r.run.Upserted++
	}
}

func formatDrops(d models.DropCounters) string {
	parts := make([]string, 0, len(d))
	for _, k := range d.Keys() {
		if d[k] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, d[k]))
		}
	}
	return strings.Join(parts, " ")
}
