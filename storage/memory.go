package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"rideradar/models"
)

type listingKey struct {
	source   string
	sourceID string
}

// MemoryStore is an in-process ListingStore for dry runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[listingKey]*models.Listing
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[listingKey]*models.Listing),
		now:      time.Now,
	}
}

// SetClock overrides the last_seen clock.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Upsert(_ context.Context, l *models.Listing) error {
	if err := prepare(l); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneListing(l)
	stored.LastSeen = s.now().UTC()
	l.LastSeen = stored.LastSeen
	s.listings[listingKey{l.Source, l.SourceID}] = stored
	return nil
}

func (s *MemoryStore) Get(source, sourceID string) (*models.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingKey{source, sourceID}]
	if !ok {
		return nil, false
	}
	return cloneListing(l), true
}

func (s *MemoryStore) GetListing(_ context.Context, source, sourceID string) (*models.Listing, error) {
	l, _ := s.Get(source, sourceID)
	return l, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}

func (s *MemoryStore) All() []*models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, cloneListing(l))
	}
	return out
}

func cloneListing(l *models.Listing) *models.Listing {
	c := *l
	c.Media = append([]string(nil), l.Media...)
	c.Raw = append(json.RawMessage(nil), l.Raw...)
	if l.Seller != nil {
		c.Seller = make(map[string]any, len(l.Seller))
		for k, v := range l.Seller {
			c.Seller[k] = v
		}
	}
	return &c
}
