package normalize

import (
	"regexp"
	"strings"

	"rideradar/models"
)

type saleKeywords struct {
	method   string
	patterns []*regexp.Regexp
}

func keywords(words ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return out
}

// Checked in order; the first method with a matching keyword wins.
var saleMethodTable = []saleKeywords{
	{models.SaleMethodBuyNow, keywords("buy now", "buy-now", "buynow", "fixed price")},
	{models.SaleMethodAuction, keywords("auction", "bid now", "going once")},
	{models.SaleMethodProposed, keywords("proposed", "expression of interest", "eoi", "make an offer", "submit offer")},
	{models.SaleMethodTender, keywords("tender")},
	{models.SaleMethodEnquire, keywords("enquire", "enquiry")},
}

// DetectSaleMethod classifies free text, returning "" when nothing matches.
func DetectSaleMethod(text string) string {
	t := strings.ToLower(text)
	if strings.TrimSpace(t) == "" {
		return ""
	}
	for _, row := range saleMethodTable {
		for _, re := range row.patterns {
			if re.MatchString(t) {
				return row.method
			}
		}
	}
	return ""
}

// CanonicalSaleMethod accepts either a canonical value ("buy_now",
// "Buy Now") or free text and returns the canonical method.
func CanonicalSaleMethod(s string) string {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	switch key {
	case models.SaleMethodBuyNow, models.SaleMethodAuction, models.SaleMethodProposed,
		models.SaleMethodTender, models.SaleMethodEnquire:
		return key
	}
	return DetectSaleMethod(s)
}
