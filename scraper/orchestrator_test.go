package scraper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideradar/models"
	"rideradar/normalize"
	"rideradar/storage"
)

type pageFetcher struct {
	mu    sync.Mutex
	urls  []string
	pages map[int]string
	errs  map[int]error
}

func (f *pageFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	page := 1
	for n := range f.errs {
		if strings.Contains(url, pageParam(n)) {
			page = n
		}
	}
	for n := range f.pages {
		if strings.Contains(url, pageParam(n)) {
			page = n
		}
	}
	if err := f.errs[page]; err != nil {
		return "", err
	}
	return f.pages[page], nil
}

func pageParam(n int) string {
	return "page=" + string(rune('0'+n)) + "&"
}

type healthEvents struct {
	mu      sync.Mutex
	success []string
	errors  []string
}

func (h *healthEvents) MarkSuccess(vendor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.success = append(h.success, vendor)
}

func (h *healthEvents) MarkError(vendor, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, vendor+": "+msg)
}

type fakeLedger struct {
	created []uuid.UUID
	updated []models.RunSummary
	logs    []string
}

func (l *fakeLedger) CreateRun(run *models.RunSummary) error {
	l.created = append(l.created, run.ID)
	return nil
}

func (l *fakeLedger) UpdateRun(run *models.RunSummary) error {
	l.updated = append(l.updated, *run)
	return nil
}

func (l *fakeLedger) Log(_ *uuid.UUID, _ models.LogLevel, message, _ string) error {
	l.logs = append(l.logs, message)
	return nil
}

type fakeHydrator struct {
	details map[string]models.Detail
	calls   int
}

func (h *fakeHydrator) Hydrate(_ context.Context, urls []string, _ int) map[string]models.Detail {
	h.calls++
	out := make(map[string]models.Detail)
	for _, u := range urls {
		if d, ok := h.details[u]; ok {
			out[u] = d
		}
	}
	return out
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, *models.Listing) error {
	return errors.New("db down")
}

func newPicklesOrchestrator(t *testing.T, f Fetcher, store storage.ListingStore) (*Orchestrator, *healthEvents) {
	t.Helper()
	health := &healthEvents{}
	o := NewOrchestrator(normalize.DefaultRegistry(), store, health)
	o.AddSource(NewHTMLSource(PicklesProfile(), f), Pacer{})
	return o, health
}

func picklesParams() models.SearchParams {
	return models.SearchParams{Vendor: "pickles", Make: "Toyota", Model: "Hilux", MaxPages: 1}
}

func TestOrchestrator_FiveAnchorPage(t *testing.T) {
	f := &pageFetcher{pages: map[int]string{1: loadFixture(t, "pickles_search.html")}}
	store := storage.NewMemoryStore()
	o, health := newPicklesOrchestrator(t, f, store)

	run, err := o.Run(context.Background(), picklesParams(), models.Policy{RequirePrice: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, models.StateDone, run.State)
	assert.Equal(t, 5, run.Fetched)
	assert.Equal(t, 3, run.Kept)
	assert.Equal(t, 3, run.NormalizedOK)
	assert.Equal(t, 3, run.Upserted)
	assert.Equal(t, 1, run.PagesWalked)
	assert.Equal(t, models.DropCounters{models.DropDuplicate: 1, models.DropMissingPrice: 1}, run.Drops)
	assert.False(t, run.FinishedAt.IsZero())

	assert.Equal(t, 3, store.Len())
	l, ok := store.Get("pickles", "2222bbbb")
	require.True(t, ok)
	require.NotNil(t, l.Price)
	assert.Equal(t, 45990, *l.Price)
	assert.Equal(t, "NSW", l.State)
	assert.NotEmpty(t, l.Fingerprint)

	assert.Equal(t, []string{"pickles"}, health.success)
	assert.Empty(t, health.errors)
	require.Len(t, f.urls, 1)
	assert.Contains(t, f.urls[0], "filter=")
}

func TestOrchestrator_StopsWhenPageHasNoNewURLs(t *testing.T) {
	body := loadFixture(t, "pickles_search.html")
	f := &pageFetcher{pages: map[int]string{1: body, 2: body, 3: body}}
	o, _ := newPicklesOrchestrator(t, f, storage.NewMemoryStore())

	params := picklesParams()
	params.MaxPages = 3
	run, err := o.Run(context.Background(), params, models.Policy{RequirePrice: true})
	require.NoError(t, err)

	assert.Len(t, f.urls, 2)
	assert.Equal(t, 2, run.PagesWalked)
	assert.Equal(t, 10, run.Fetched)
	assert.Equal(t, 6, run.Drops[models.DropDuplicate])
	assert.Equal(t, 3, run.Upserted)
}

func TestOrchestrator_FirstPageFailureMarksVendorError(t *testing.T) {
	f := &pageFetcher{errs: map[int]error{1: &FetchError{Kind: FetchBlocked, URL: "https://www.pickles.com.au/used/search/cars", Status: 403}}}
	ledger := &fakeLedger{}
	o, health := newPicklesOrchestrator(t, f, storage.NewMemoryStore())
	o.SetLedger(ledger)

	run, err := o.Run(context.Background(), picklesParams(), models.DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 0, run.Fetched)
	assert.Contains(t, run.Error, "blocked")
	assert.Empty(t, health.success)
	require.Len(t, health.errors, 1)
	assert.Contains(t, health.errors[0], "http 403")

	require.Len(t, ledger.created, 1)
	require.Len(t, ledger.updated, 1)
	assert.Equal(t, models.RunStatusFailed, ledger.updated[0].Status)
	assert.NotEmpty(t, ledger.logs)
}

func TestOrchestrator_LaterPageFailureKeepsEarlierTiles(t *testing.T) {
	f := &pageFetcher{
		pages: map[int]string{1: loadFixture(t, "pickles_search.html")},
		errs:  map[int]error{2: &FetchError{Kind: FetchTimeout, URL: "p2"}},
	}
	o, health := newPicklesOrchestrator(t, f, storage.NewMemoryStore())

	params := picklesParams()
	params.MaxPages = 2
	run, err := o.Run(context.Background(), params, models.Policy{RequirePrice: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.PagesWalked)
	assert.Equal(t, 3, run.Upserted)
	assert.Equal(t, []string{"pickles"}, health.success)
}

func TestOrchestrator_LimitCountsCandidates(t *testing.T) {
	f := &pageFetcher{pages: map[int]string{1: loadFixture(t, "pickles_search.html")}}
	store := storage.NewMemoryStore()
	o, _ := newPicklesOrchestrator(t, f, store)

	params := picklesParams()
	params.Limit = 2
	run, err := o.Run(context.Background(), params, models.Policy{RequirePrice: true})
	require.NoError(t, err)

	assert.Equal(t, 2, run.Kept)
	assert.Equal(t, 2, store.Len())
	assert.Contains(t, f.urls[0], "limit=2")
}

func TestOrchestrator_HydrationFillsMissingPrice(t *testing.T) {
	f := &pageFetcher{pages: map[int]string{1: loadFixture(t, "pickles_search.html")}}
	store := storage.NewMemoryStore()
	o, _ := newPicklesOrchestrator(t, f, store)
	h := &fakeHydrator{details: map[string]models.Detail{
		"https://www.pickles.com.au/used/details/cars/2017-toyota-hilux/4444dddd": {
			Price:    models.IntPtr(17500),
			Odometer: models.IntPtr(182000),
			Images:   []string{"https://cdn.pickles.com.au/4444dddd/1.jpg"},
		},
		"https://www.pickles.com.au/used/details/cars/2020-toyota-hilux/2222bbbb": {},
	}}
	o.SetHydrator(h)

	run, err := o.Run(context.Background(), picklesParams(), models.Policy{RequirePrice: true, Hydrate: true, HydrateConcurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, h.calls)
	assert.Equal(t, 1, run.Hydrated)
	assert.Equal(t, 4, run.Kept)
	assert.Equal(t, models.DropCounters{models.DropDuplicate: 1}, run.Drops)

	l, ok := store.Get("pickles", "4444dddd")
	require.True(t, ok)
	assert.Equal(t, 17500, *l.Price)
	assert.Equal(t, 182000, *l.Odometer)
	assert.Equal(t, []string{"https://cdn.pickles.com.au/4444dddd/1.jpg"}, l.Media)
}

func TestOrchestrator_DryRunWritesNothing(t *testing.T) {
	f := &pageFetcher{pages: map[int]string{1: loadFixture(t, "pickles_search.html")}}
	o, health := newPicklesOrchestrator(t, f, nil)

	run, err := o.Run(context.Background(), picklesParams(), models.Policy{RequirePrice: true, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 3, run.NormalizedOK)
	assert.Equal(t, 0, run.Upserted)
	assert.Equal(t, []string{"pickles"}, health.success)
}

func TestOrchestrator_OffQueryDrops(t *testing.T) {
	f := &pageFetcher{pages: map[int]string{1: loadFixture(t, "pickles_search.html")}}
	o, health := newPicklesOrchestrator(t, f, storage.NewMemoryStore())

	params := picklesParams()
	params.Query = "toyota landcruiser"
	run, err := o.Run(context.Background(), params, models.Policy{})
	require.NoError(t, err)

	assert.Equal(t, models.DropCounters{models.DropOffQuery: 4, models.DropDuplicate: 1}, run.Drops)
	assert.Equal(t, 0, run.Kept)
	require.Len(t, health.errors, 1)
	assert.Equal(t, "pickles: no results", health.errors[0])
}

func TestOrchestrator_StoreErrorsAreCounted(t *testing.T) {
	f := &pageFetcher{pages: map[int]string{1: loadFixture(t, "pickles_search.html")}}
	o, health := newPicklesOrchestrator(t, f, failingStore{})

	run, err := o.Run(context.Background(), picklesParams(), models.Policy{RequirePrice: true})
	require.NoError(t, err)

	assert.Equal(t, 3, run.StoreErrors)
	assert.Equal(t, 0, run.Upserted)
	assert.Len(t, health.errors, 1)
}

func TestOrchestrator_ConfigErrors(t *testing.T) {
	f := &pageFetcher{}
	o, _ := newPicklesOrchestrator(t, f, nil)

	_, err := o.Run(context.Background(), models.SearchParams{Vendor: "carsales"}, models.Policy{})
	assert.ErrorIs(t, err, ErrUnknownVendor)

	_, err = o.Run(context.Background(), picklesParams(), models.Policy{})
	assert.ErrorIs(t, err, ErrNoStore)
	assert.Empty(t, f.urls)
}
