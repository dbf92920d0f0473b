package scraper

import (
	"regexp"
	"strings"

	"rideradar/models"
	"rideradar/normalize"
)

const (
	InfoSaleMethodEnquire   = "sale_method_enquire"
	InfoEnquireUnpricedKept = "enquire_unpriced_kept"
)

var queryTokenRegex = regexp.MustCompile(`[a-z0-9]+`)

// QueryMatcher implements the free-text relevance gate: the make-equivalent
// token must appear, and when other tokens exist at least one must too.
type QueryMatcher struct {
	makeToken string
	others    []string
}

func NewQueryMatcher(query, makeName string) QueryMatcher {
	tokens := queryTokenRegex.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return QueryMatcher{}
	}
	m := QueryMatcher{makeToken: tokens[0]}
	if mk := strings.ToLower(strings.TrimSpace(makeName)); mk != "" {
		m.makeToken = mk
	}
	for _, tok := range tokens {
		if tok != m.makeToken {
			m.others = append(m.others, tok)
		}
	}
	return m
}

func (m QueryMatcher) Empty() bool {
	return m.makeToken == "" && len(m.others) == 0
}

func (m QueryMatcher) Match(t models.RawTile) bool {
	if m.Empty() {
		return true
	}
	blob := strings.ToLower(strings.Join([]string{t.Title, t.MakeGuess, t.ModelGuess, t.Variant}, " "))
	if m.makeToken != "" && !strings.Contains(blob, m.makeToken) {
		return false
	}
	if len(m.others) == 0 {
		return true
	}
	for _, tok := range m.others {
		if strings.Contains(blob, tok) {
			return true
		}
	}
	return false
}

// FieldGate applies the policy's per-field requirements to one tile and
// returns the drop reason, or "" when the tile survives. info collects
// non-rejecting tallies.
func FieldGate(p models.Policy, t models.RawTile, info map[string]int) string {
	year := normalize.TileYear(t)
	if p.RequireYear && year == nil {
		return models.DropMissingYear
	}
	if p.RequireState && normalize.TileState(t) == "" {
		return models.DropMissingState
	}

	price := normalize.RawPrice(t)
	method := normalize.CanonicalSaleMethod(t.SaleMethod)
	if method == models.SaleMethodEnquire {
		info[InfoSaleMethodEnquire]++
	}
	if price == nil {
		if p.PriceRequired(method) {
			if method == models.SaleMethodEnquire {
				return models.DropEnquireUnpriced
			}
			return models.DropMissingPrice
		}
		if method == models.SaleMethodEnquire {
			info[InfoEnquireUnpricedKept]++
		}
	}

	if price != nil {
		if (p.MinPrice > 0 && *price < p.MinPrice) || (p.MaxPrice > 0 && *price > p.MaxPrice) {
			return models.DropOutOfRange
		}
		if !normalize.PriceInBounds(*price) {
			return models.DropOutOfRange
		}
	}
	if year != nil && p.MinYear > 0 && *year < p.MinYear {
		return models.DropOutOfRange
	}
	return ""
}

// SearchBuyMethod picks the buy-method facet sent to the vendor: buy_now
// is forced when prices are strict, and kept only when the policy will not
// admit unpriced or enquire-only listings anyway.
func SearchBuyMethod(params models.SearchParams, p models.Policy) string {
	if p.StrictPrices {
		return models.SaleMethodBuyNow
	}
	requested := strings.ToLower(params.BuyMethod)
	if requested == "" && p.RequirePrice {
		requested = models.SaleMethodBuyNow
	}
	if requested == models.SaleMethodBuyNow && !(p.AllowEnquire || p.IncludeUnpriced) {
		return models.SaleMethodBuyNow
	}
	return ""
}
