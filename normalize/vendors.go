package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"rideradar/models"
)

const (
	PicklesBase    = "https://www.pickles.com.au"
	AutotraderBase = "https://www.autotrader.com.au"
	GumtreeBase    = "https://www.gumtree.com.au"
	ManheimBase    = "https://manheim.com.au"
	EbayBase       = "https://www.ebay.com.au"
)

var (
	picklesDetailRegex = regexp.MustCompile(`/used/details/cars/[^/]+/[0-9A-Za-z-]+$|/cars/item/[^/?#]+/?$`)
	autotraderIDRegex  = regexp.MustCompile(`/car/(\d+)/`)
	gumtreeIDRegex     = regexp.MustCompile(`/(\d+)/?(?:\?.*)?$`)
)

func tileURL(tile models.RawTile) string {
	return strings.TrimSpace(tile.URL)
}

// Pickles accepts only genuine detail pages; search and category URLs that
// slipped through extraction fail with ErrNonListingURL.
type Pickles struct{}

func NewPickles() *Pickles { return &Pickles{} }

func (Pickles) Vendor() string { return "pickles" }

func (p Pickles) Normalize(tile models.RawTile) (*models.Listing, error) {
	u := tileURL(tile)
	if u == "" {
		return nil, eris.Wrap(ErrMissingSourceURL, p.Vendor())
	}
	if !picklesDetailRegex.MatchString(strings.SplitN(u, "?", 2)[0]) {
		return nil, eris.Wrapf(ErrNonListingURL, "pickles: %s", u)
	}
	id := strings.TrimSpace(tile.SourceID)
	if id == "" {
		id = TrailingToken(u)
	}
	if id == "" {
		return nil, eris.Wrapf(ErrMissingSourceID, "pickles: %s", u)
	}

	out := newListing(p.Vendor(), id, u, tile)
	fillCommon(out, tile, PicklesBase)
	return out, nil
}

// Autotrader bounds years to a plausible window and rejects tiles that
// carry nothing beyond an id.
type Autotrader struct {
	now func() time.Time
}

func NewAutotrader(now func() time.Time) *Autotrader {
	if now == nil {
		now = time.Now
	}
	return &Autotrader{now: now}
}

func (*Autotrader) Vendor() string { return "autotrader" }

func (a *Autotrader) Normalize(tile models.RawTile) (*models.Listing, error) {
	u := tileURL(tile)
	if u == "" {
		return nil, eris.Wrap(ErrMissingSourceURL, a.Vendor())
	}
	id := strings.TrimSpace(tile.SourceID)
	if id == "" {
		if m := autotraderIDRegex.FindStringSubmatch(u); m != nil {
			id = m[1]
		}
	}
	if id == "" {
		return nil, eris.Wrapf(ErrMissingSourceID, "autotrader: %s", u)
	}

	out := newListing(a.Vendor(), id, u, tile)
	fillCommon(out, tile, AutotraderBase)
	if out.Year != nil {
		current := a.now().UTC().Year()
		if *out.Year < 1980 || *out.Year > current+1 {
			out.Year = nil
		}
	}
	if !hasUsefulFields(out) {
		return nil, eris.Wrapf(ErrInsufficientFields, "autotrader: %s", u)
	}
	return out, nil
}

type Gumtree struct{}

func NewGumtree() *Gumtree { return &Gumtree{} }

func (Gumtree) Vendor() string { return "gumtree" }

func (g Gumtree) Normalize(tile models.RawTile) (*models.Listing, error) {
	u := tileURL(tile)
	if u == "" {
		return nil, eris.Wrap(ErrMissingSourceURL, g.Vendor())
	}
	id := strings.TrimSpace(tile.SourceID)
	if id == "" {
		if m := gumtreeIDRegex.FindStringSubmatch(u); m != nil {
			id = m[1]
		} else {
			id = TrailingToken(u)
		}
	}
	if id == "" {
		return nil, eris.Wrapf(ErrMissingSourceID, "gumtree: %s", u)
	}

	out := newListing(g.Vendor(), id, u, tile)
	fillCommon(out, tile, GumtreeBase)
	if out.Make == "" && out.Model == "" {
		mk, md := GuessMakeModel(tile.Title)
		out.Make, out.Model = FormatGuess(mk), FormatGuess(md)
	}
	if !hasUsefulFields(out) {
		return nil, eris.Wrapf(ErrInsufficientFields, "gumtree: %s", u)
	}
	return out, nil
}

type Manheim struct{}

func NewManheim() *Manheim { return &Manheim{} }

func (Manheim) Vendor() string { return "manheim" }

func (m Manheim) Normalize(tile models.RawTile) (*models.Listing, error) {
	u := tileURL(tile)
	if u == "" {
		return nil, eris.Wrap(ErrMissingSourceURL, m.Vendor())
	}
	id := strings.TrimSpace(tile.SourceID)
	if id == "" {
		id = TrailingToken(u)
	}
	if id == "" {
		return nil, eris.Wrapf(ErrMissingSourceID, "manheim: %s", u)
	}
	out := newListing(m.Vendor(), id, u, tile)
	fillCommon(out, tile, ManheimBase)
	return out, nil
}

// Ebay requires the explicit item id; eBay URLs carry tracking parameters
// and are not a stable identity.
type Ebay struct{}

func NewEbay() *Ebay { return &Ebay{} }

func (Ebay) Vendor() string { return "ebay" }

func (e Ebay) Normalize(tile models.RawTile) (*models.Listing, error) {
	u := tileURL(tile)
	if u == "" {
		return nil, eris.Wrap(ErrMissingSourceURL, e.Vendor())
	}
	id := strings.TrimSpace(tile.SourceID)
	if id == "" {
		return nil, eris.Wrapf(ErrMissingSourceID, "ebay: %s", u)
	}
	out := newListing(e.Vendor(), id, u, tile)
	fillCommon(out, tile, EbayBase)
	return out, nil
}

var guessTokenRegex = regexp.MustCompile(`[A-Za-z0-9']+`)

// GuessMakeModel takes the first two meaningful title tokens after an
// optional leading year: "2019 Toyota Corolla Ascent" gives Toyota, Corolla.
func GuessMakeModel(title string) (string, string) {
	tokens := guessTokenRegex.FindAllString(title, -1)
	if len(tokens) > 0 && yearRegex.MatchString(tokens[0]) && len(tokens[0]) == 4 {
		tokens = tokens[1:]
	}
	var mk, md string
	if len(tokens) > 0 {
		mk = tokens[0]
	}
	if len(tokens) > 1 {
		md = tokens[1]
	}
	return mk, md
}
