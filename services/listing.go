package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"rideradar/identity"
	"rideradar/models"
	"rideradar/storage"
)

// ListingService is the sink handed to the orchestrator. It fills the
// fingerprint, forwards to the underlying store and queues the listing's
// photos for mirroring once the write succeeded.
type ListingService struct {
	store  storage.ListingStore
	reader storage.ListingReader
	media  *MediaService

	mu    sync.Mutex
	stats ProcessStats
}

// NewListingService wraps store. When store can also read listings back,
// new-versus-seen and price changes are tracked in Stats.
func NewListingService(store storage.ListingStore, media *MediaService) *ListingService {
	s := &ListingService{store: store, media: media}
	if r, ok := store.(storage.ListingReader); ok {
		s.reader = r
	}
	return s
}

// ProcessResult describes what one upsert changed.
type ProcessResult struct {
	IsNewListing  bool
	PriceChanged  bool
	PreviousPrice *int
	MediaQueued   int
}

func (s *ListingService) Upsert(ctx context.Context, l *models.Listing) error {
	_, err := s.Process(ctx, l)
	return err
}

// Process upserts one listing and reports what changed. Lookup failures are
// logged and do not block the write.
func (s *ListingService) Process(ctx context.Context, l *models.Listing) (*ProcessResult, error) {
	if l == nil {
		return nil, storage.ErrMissingKey
	}
	if l.Fingerprint == "" {
		l.Fingerprint = identity.Fingerprint(l)
	}

	result := &ProcessResult{}
	log := zap.L().With(zap.String("vendor", l.Source), zap.String("source_id", l.SourceID))

	if s.reader != nil && l.SourceID != "" {
		prev, err := s.reader.GetListing(ctx, l.Source, l.SourceID)
		switch {
		case err != nil:
			log.Debug("previous listing lookup failed", zap.Error(err))
		case prev == nil:
			result.IsNewListing = true
		case !samePrice(prev.Price, l.Price):
			result.PriceChanged = true
			result.PreviousPrice = prev.Price
			log.Info("price changed", zap.Intp("from", prev.Price), zap.Intp("to", l.Price))
		}
	}

	if err := s.store.Upsert(ctx, l); err != nil {
		return nil, eris.Wrapf(err, "process listing %s/%s", l.Source, l.SourceID)
	}

	if s.media != nil {
		result.MediaQueued = s.media.Enqueue(l)
	}

	s.mu.Lock()
	s.stats.Aggregate(result)
	s.mu.Unlock()
	return result, nil
}

// Stats returns the totals since construction.
func (s *ListingService) Stats() ProcessStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func samePrice(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ProcessStats aggregates results across a run or the process lifetime.
type ProcessStats struct {
	Processed    int `json:"processed"`
	NewListings  int `json:"new_listings"`
	PriceChanges int `json:"price_changes"`
	MediaQueued  int `json:"media_queued"`
}

func (s *ProcessStats) Aggregate(r *ProcessResult) {
	s.Processed++
	if r.IsNewListing {
		s.NewListings++
	}
	if r.PriceChanged {
		s.PriceChanges++
	}
	s.MediaQueued += r.MediaQueued
}

func (s ProcessStats) ToJSON() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
