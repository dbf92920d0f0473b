package scraper

import (
	"context"

	"rideradar/models"
)

// Source yields the tiles of one search-results page.
type Source interface {
	Vendor() string
	Page(ctx context.Context, params models.SearchParams, page int) (ExtractResult, error)
}

// HTMLSource walks a vendor's HTML search pages through a Fetcher.
type HTMLSource struct {
	profile *Profile
	fetcher Fetcher
}

func NewHTMLSource(profile *Profile, fetcher Fetcher) *HTMLSource {
	return &HTMLSource{profile: profile, fetcher: fetcher}
}

func (s *HTMLSource) Vendor() string { return s.profile.Key }

func (s *HTMLSource) Profile() *Profile { return s.profile }

func (s *HTMLSource) Page(ctx context.Context, params models.SearchParams, page int) (ExtractResult, error) {
	body, err := s.fetcher.Fetch(ctx, s.profile.SearchURL(params, page))
	if err != nil {
		return ExtractResult{}, err
	}
	return Extract(s.profile, body, params.Limit)
}
