// Package normalize maps vendor raw tiles onto the canonical listing schema.
package normalize

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"rideradar/models"
)

var (
	ErrMissingSourceURL   = eris.New("missing source_url")
	ErrMissingSourceID    = eris.New("missing source_id")
	ErrInsufficientFields = eris.New("insufficient fields")
	ErrNonListingURL      = eris.New("non-listing url")
)

const (
	MinPlausiblePrice = 500
	MaxPlausiblePrice = 500_000
	MaxMedia          = 6
)

// Normalizer turns one vendor's raw tile into a canonical listing.
type Normalizer interface {
	Vendor() string
	Normalize(tile models.RawTile) (*models.Listing, error)
}

// Registry selects the normalizer for a vendor key.
type Registry struct {
	byVendor map[string]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{byVendor: make(map[string]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.byVendor[strings.ToLower(n.Vendor())] = n
	}
	return r
}

// DefaultRegistry holds every vendor this module knows how to ingest.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewPickles(),
		NewAutotrader(nil),
		NewGumtree(),
		NewManheim(),
		NewEbay(),
	)
}

func (r *Registry) Get(vendor string) (Normalizer, bool) {
	n, ok := r.byVendor[strings.ToLower(strings.TrimSpace(vendor))]
	return n, ok
}

func (r *Registry) Vendors() []string {
	out := make([]string, 0, len(r.byVendor))
	for k := range r.byVendor {
		out = append(out, k)
	}
	return out
}

var (
	yearRegex      = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	stateRegex     = regexp.MustCompile(`\b(ACT|NSW|NT|QLD|SA|TAS|VIC|WA)\b`)
	priceRegex     = regexp.MustCompile(`(\d{1,3}(?:[ ,]\d{3})+|\d+)(?:\.\d+)?`)
	trailingRegex  = regexp.MustCompile(`([A-Za-z0-9_-]{8,})/?$`)
	guessSplitter  = regexp.MustCompile(`[-_/]`)
	badGuessTokens = map[string]bool{"buy": true, "now": true, "price": true, "view": true, "photos": true, "more": true}
	titleCaser     = cases.Title(language.English)
)

var stateNames = map[string]string{
	"australian capital territory": "ACT",
	"new south wales":              "NSW",
	"northern territory":           "NT",
	"queensland":                   "QLD",
	"south australia":              "SA",
	"tasmania":                     "TAS",
	"victoria":                     "VIC",
	"western australia":            "WA",
}

// ParsePrice pulls the first number out of price text such as "$12,500"
// or "AU $ 9 990.00". Cents are discarded.
func ParsePrice(text string) *int {
	m := priceRegex.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	digits := strings.NewReplacer(",", "", " ", "").Replace(m[1])
	v, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &v
}

// BoundPrice returns nil for prices outside the plausible range; those are
// treated as absent rather than as errors.
func BoundPrice(p *int) *int {
	if p == nil || !PriceInBounds(*p) {
		return nil
	}
	v := *p
	return &v
}

func PriceInBounds(p int) bool {
	return p >= MinPlausiblePrice && p <= MaxPlausiblePrice
}

// YearFromText returns the first 1900-2099 token in s.
func YearFromText(s string) *int {
	m := yearRegex.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, _ := strconv.Atoi(m[1])
	return &v
}

// StateFromText finds an AU state abbreviation anywhere in s.
func StateFromText(s string) string {
	m := stateRegex.FindStringSubmatch(strings.ToUpper(s))
	if m == nil {
		return ""
	}
	return m[1]
}

// UpperState canonicalizes an explicit state field: a known abbreviation in
// any case, or a full state name.
func UpperState(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if code, ok := stateNames[strings.ToLower(s)]; ok {
		return code
	}
	up := strings.ToUpper(s)
	if stateRegex.MatchString(up) && len(up) <= 3 {
		return up
	}
	return ""
}

// FormatGuess cleans a slug-ish make/model guess: "toyota-hilux" becomes
// "Toyota Hilux" and filler tokens like "buy-now" are dropped.
func FormatGuess(v string) string {
	var kept []string
	for _, p := range guessSplitter.Split(strings.TrimSpace(v), -1) {
		p = strings.TrimSpace(p)
		if p == "" || badGuessTokens[strings.ToLower(p)] {
			continue
		}
		for _, w := range strings.Fields(p) {
			kept = append(kept, titleCaser.String(w))
		}
	}
	return strings.Join(kept, " ")
}

// AbsoluteURL resolves protocol-relative and root-relative references
// against base.
func AbsoluteURL(raw, base string) string {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return s
	case strings.HasPrefix(s, "//"):
		return "https:" + s
	case strings.HasPrefix(s, "/"):
		return strings.TrimRight(base, "/") + s
	}
	return s
}

// CleanMedia absolutizes image URLs, drops placeholders and duplicates, and
// keeps at most limit entries in their original order.
func CleanMedia(urls []string, base string, limit int) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		abs := AbsoluteURL(u, base)
		if abs == "" || strings.HasPrefix(abs, "data:") || strings.Contains(strings.ToLower(abs), "watchlist") {
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TrailingToken returns the last path segment when it looks like an id.
func TrailingToken(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	m := trailingRegex.FindStringSubmatch(p)
	if m == nil {
		return ""
	}
	return m[1]
}

func newListing(vendor, sourceID, sourceURL string, tile models.RawTile) *models.Listing {
	raw := tile.Payload
	if len(raw) == 0 {
		raw, _ = json.Marshal(tile)
	}
	seller := tile.Seller
	if seller == nil {
		seller = map[string]any{}
	}
	return &models.Listing{
		Source:    vendor,
		SourceID:  sourceID,
		SourceURL: sourceURL,
		Media:     []string{},
		Seller:    seller,
		Raw:       raw,
		Status:    models.ListingStatusActive,
	}
}

// fillCommon applies the shared field precedence after a vendor has settled
// identity.
func fillCommon(out *models.Listing, tile models.RawTile, base string) {
	out.Price = TilePrice(tile)
	out.Year = TileYear(tile)
	out.State = TileState(tile)

	media := tile.Images
	if len(media) == 0 && tile.Thumb != "" {
		media = []string{tile.Thumb}
	}
	out.Media = CleanMedia(media, base, MaxMedia)

	if tile.Odometer != nil {
		o := *tile.Odometer
		out.Odometer = &o
	}
	out.Make = FormatGuess(tile.MakeGuess)
	out.Model = FormatGuess(tile.ModelGuess)
	out.Variant = strings.TrimSpace(tile.Variant)
	out.Body = strings.TrimSpace(tile.Body)
	out.Trans = strings.TrimSpace(tile.Trans)
	out.Fuel = strings.TrimSpace(tile.Fuel)
	out.Engine = strings.TrimSpace(tile.Engine)
	out.Drive = strings.TrimSpace(tile.Drive)
	out.Suburb = strings.TrimSpace(tile.Suburb)
	out.Postcode = strings.TrimSpace(tile.Postcode)
	out.Lat, out.Lng = tile.Lat, tile.Lng

	out.SaleMethod = TileSaleMethod(tile)
}

// RawPrice is the tile's price before the plausibility bound: the parsed
// value when present, else whatever the price text yields.
func RawPrice(tile models.RawTile) *int {
	if tile.Price != nil {
		v := *tile.Price
		return &v
	}
	return ParsePrice(tile.PriceText)
}

func TilePrice(tile models.RawTile) *int {
	return BoundPrice(RawPrice(tile))
}

// TileYear prefers the explicit year guess over a token in the title.
func TileYear(tile models.RawTile) *int {
	if y := parseYearGuess(tile.YearGuess); y != nil {
		return y
	}
	return YearFromText(tile.Title)
}

// TileState resolves the explicit field, then the location text, then the
// title.
func TileState(tile models.RawTile) string {
	if st := UpperState(tile.State); st != "" {
		return st
	}
	if st := StateFromText(tile.Location); st != "" {
		return st
	}
	return StateFromText(tile.Title)
}

// TileSaleMethod canonicalizes the tile's sale method, defaulting to
// buy_now when nothing matched but a plausible price exists.
func TileSaleMethod(tile models.RawTile) string {
	m := CanonicalSaleMethod(tile.SaleMethod)
	if m == "" && TilePrice(tile) != nil {
		m = models.SaleMethodBuyNow
	}
	return m
}

func parseYearGuess(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		if v >= 1900 && v <= 2099 {
			return &v
		}
		return nil
	}
	return YearFromText(s)
}

func hasUsefulFields(l *models.Listing) bool {
	return l.Make != "" || l.Model != "" || l.Price != nil
}
