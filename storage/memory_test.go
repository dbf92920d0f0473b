package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideradar/models"
)

func sampleListing(price int) *models.Listing {
	return &models.Listing{
		Source:    "pickles",
		SourceID:  "1111aaaa",
		SourceURL: "https://www.pickles.com.au/used/details/cars/2019-toyota-hilux/1111aaaa",
		Make:      "Toyota",
		Model:     "Hilux",
		Year:      models.IntPtr(2019),
		Price:     models.IntPtr(price),
		State:     "QLD",
		Media:     []string{"https://img.example/1.jpg"},
	}
}

func TestMemoryStore_UpsertIsIdempotentOnKey(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })

	require.NoError(t, s.Upsert(context.Background(), sampleListing(30000)))
	first, ok := s.Get("pickles", "1111aaaa")
	require.True(t, ok)

	clock = clock.Add(time.Hour)
	require.NoError(t, s.Upsert(context.Background(), sampleListing(28500)))

	assert.Equal(t, 1, s.Len())
	got, ok := s.Get("pickles", "1111aaaa")
	require.True(t, ok)
	assert.Equal(t, 28500, *got.Price)
	assert.True(t, got.LastSeen.After(first.LastSeen))
}

func TestMemoryStore_FillsFingerprintAndStatus(t *testing.T) {
	s := NewMemoryStore()
	l := sampleListing(30000)

	require.NoError(t, s.Upsert(context.Background(), l))

	assert.NotEmpty(t, l.Fingerprint)
	assert.Len(t, l.Fingerprint, 40)
	assert.Equal(t, models.ListingStatusActive, l.Status)
	assert.False(t, l.LastSeen.IsZero())
}

func TestMemoryStore_RejectsMissingKey(t *testing.T) {
	s := NewMemoryStore()

	l := sampleListing(1000)
	l.SourceID = " "
	err := s.Upsert(context.Background(), l)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Upsert(context.Background(), nil), ErrMissingKey)
}

func TestMemoryStore_StoresCopies(t *testing.T) {
	s := NewMemoryStore()
	l := sampleListing(1000)
	require.NoError(t, s.Upsert(context.Background(), l))

	l.Media[0] = "mutated"
	got, _ := s.Get("pickles", "1111aaaa")
	assert.Equal(t, "https://img.example/1.jpg", got.Media[0])
	assert.Len(t, s.All(), 1)
}
