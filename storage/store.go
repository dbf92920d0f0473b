// Package storage holds the listing sinks and the local run ledger.
package storage

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"rideradar/identity"
	"rideradar/models"
)

var ErrMissingKey = eris.New("listing requires source, source_id and source_url")

// ListingStore is the durable sink for canonical listings. Upsert is
// idempotent on (source, source_id), last write wins, and the store
// refreshes last_seen on every call.
type ListingStore interface {
	Upsert(ctx context.Context, l *models.Listing) error
}

// ListingReader looks up the stored copy of a listing. Implementations
// return nil, nil when nothing is stored under the key.
type ListingReader interface {
	GetListing(ctx context.Context, source, sourceID string) (*models.Listing, error)
}

func validateKey(l *models.Listing) error {
	if l == nil || strings.TrimSpace(l.Source) == "" || strings.TrimSpace(l.SourceID) == "" || strings.TrimSpace(l.SourceURL) == "" {
		return ErrMissingKey
	}
	return nil
}

func prepare(l *models.Listing) error {
	if err := validateKey(l); err != nil {
		return err
	}
	if l.Fingerprint == "" {
		l.Fingerprint = identity.Fingerprint(l)
	}
	if l.Status == "" {
		l.Status = models.ListingStatusActive
	}
	return nil
}
