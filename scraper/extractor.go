package scraper

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"rideradar/models"
	"rideradar/normalize"
)

var (
	defaultContainers = []string{
		"section[class*='results']",
		"div[class*='results']",
		"div[class*='search']",
	}
	defaultItems = []string{
		"article a[href]",
		"li a[href]",
		"div a[href]",
	}

	cardPriceRegex = regexp.MustCompile(`\$\s*[0-9][0-9,\.]*`)
	cardStateRegex = regexp.MustCompile(`\b(ACT|NSW|NT|QLD|SA|TAS|VIC|WA)\b`)
	cardYearRegex  = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	anchorJunk     = []string{"main office", "contact", "home"}
)

const (
	cardTitleSelector = "h3, h2, .title, [aria-label]"
	cardPriceSelector = "[data-testid*='price'], .price, .price__value, .Price"
	cardAncestorDepth = 3
)

// ExtractResult holds the tiles one document produced plus whatever the
// extractor itself rejected.
type ExtractResult struct {
	Tiles []models.RawTile
	Drops models.DropCounters
}

type strategy int

const (
	strategyContainers strategy = iota + 1
	strategyWhitelist
	strategyStructured
)

type extraction struct {
	profile *Profile
	limit   int
	owner   map[string]strategy
	tiles   []models.RawTile
	drops   models.DropCounters
}

// Extract runs the container, whitelist and structured-data strategies in
// order over one search page. A URL belongs to the first strategy that
// produced it; later strategies skip it. Repeats within a single strategy
// are kept so the caller can count them as duplicates.
func Extract(p *Profile, body string, limit int) (ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		drops := models.DropCounters{}
		drops.Inc(models.DropParseError)
		return ExtractResult{Drops: drops}, eris.Wrap(err, "parse document")
	}

	x := &extraction{
		profile: p,
		limit:   limit,
		owner:   make(map[string]strategy),
		drops:   models.DropCounters{},
	}

	x.byContainers(doc)
	if !x.full() {
		x.byWhitelist(doc)
	}
	if !x.full() {
		x.byStructuredData(doc)
	}

	kept := x.tiles[:0]
	for _, t := range x.tiles {
		path := urlPath(t.URL)
		if p.blacklisted(t.URL) || !p.IsDetailPath(path) {
			x.drops.Inc(models.DropCategory)
			continue
		}
		kept = append(kept, t)
	}

	res := ExtractResult{Tiles: kept, Drops: x.drops}
	if len(kept) == 0 {
		return res, ErrNoTilesFound
	}
	return res, nil
}

func (x *extraction) full() bool {
	return x.limit > 0 && len(x.owner) >= x.limit
}

// add records a tile for strategy s. It reports false when the URL already
// belongs to an earlier strategy.
func (x *extraction) add(s strategy, t models.RawTile) bool {
	if owner, ok := x.owner[t.URL]; ok && owner != s {
		return false
	}
	if _, ok := x.owner[t.URL]; !ok && x.full() {
		return false
	}
	x.owner[t.URL] = s
	x.tiles = append(x.tiles, t)
	return true
}

func (x *extraction) byContainers(doc *goquery.Document) {
	containers := x.profile.Containers
	if len(containers) == 0 {
		containers = defaultContainers
	}
	items := x.profile.Items
	if len(items) == 0 {
		items = defaultItems
	}

	visited := make(map[*html.Node]bool)
	for _, csel := range containers {
		doc.Find(csel).Each(func(_ int, cont *goquery.Selection) {
			for _, isel := range items {
				cont.Find(isel).Each(func(_ int, a *goquery.Selection) {
					node := a.Get(0)
					if visited[node] {
						return
					}
					visited[node] = true
					href, _ := a.Attr("href")
					if !x.profile.IsDetailPath(urlPath(href)) || junkAnchor(a) {
						return
					}
					if t, ok := x.tileFromAnchor(a, href); ok {
						x.add(strategyContainers, t)
					}
				})
			}
		})
	}
}

func (x *extraction) byWhitelist(doc *goquery.Document) {
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if x.profile.blacklisted(href) || !x.profile.IsDetailPath(urlPath(href)) || junkAnchor(a) {
			return
		}
		if t, ok := x.tileFromAnchor(a, href); ok {
			x.add(strategyWhitelist, t)
		}
	})
}

func (x *extraction) byStructuredData(doc *goquery.Document) {
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return
		}
		for _, obj := range ldObjects(data) {
			t, ok := x.tileFromLD(obj)
			if !ok {
				continue
			}
			x.add(strategyStructured, t)
		}
	})
}

func (x *extraction) tileFromAnchor(a *goquery.Selection, href string) (models.RawTile, bool) {
	abs := x.profile.absolute(href)
	if abs == "" {
		return models.RawTile{}, false
	}

	card := a
	for i := 0; i < cardAncestorDepth; i++ {
		parent := card.Parent()
		if parent.Length() == 0 {
			break
		}
		card = parent
	}
	text := collapse(card.Text())

	t := models.RawTile{
		Vendor:   x.profile.Key,
		URL:      abs,
		Title:    cardTitle(card, a),
		Thumb:    cardThumb(card),
		Location: firstMatch(cardStateRegex, text),
	}
	t.PriceText = cardPrice(card, text)
	t.SaleMethod = normalize.DetectSaleMethod(text)
	t.YearGuess = firstMatch(cardYearRegex, t.Title)
	t.MakeGuess, t.ModelGuess = normalize.GuessMakeModel(t.Title)
	if x.profile.TileHook != nil {
		x.profile.TileHook(&t, urlPath(abs))
	}
	return t, true
}

func (x *extraction) tileFromLD(obj map[string]any) (models.RawTile, bool) {
	rawURL := ldString(obj["url"])
	if rawURL == "" {
		rawURL = ldString(obj["@id"])
	}
	if rawURL == "" {
		return models.RawTile{}, false
	}
	if x.profile.ListingMarker != "" && !strings.Contains(rawURL, x.profile.ListingMarker) {
		return models.RawTile{}, false
	}
	abs := x.profile.absolute(rawURL)
	if abs == "" {
		return models.RawTile{}, false
	}

	t := models.RawTile{
		Vendor: x.profile.Key,
		URL:    abs,
		Title:  ldString(obj["name"]),
	}
	if offers := ldOffer(obj["offers"]); offers != nil {
		price := ldString(offers["price"])
		if price == "" {
			price = ldString(offers["lowPrice"])
		}
		if price != "" {
			t.PriceText = "$" + price
		}
	}
	if addr, ok := obj["address"].(map[string]any); ok {
		t.State = ldString(addr["addressRegion"])
		t.Suburb = ldString(addr["addressLocality"])
		t.Location = t.State
	}
	if img := ldString(obj["image"]); img != "" {
		t.Thumb = img
	}
	t.YearGuess = firstMatch(cardYearRegex, t.Title)
	t.MakeGuess, t.ModelGuess = normalize.GuessMakeModel(t.Title)
	if x.profile.TileHook != nil {
		x.profile.TileHook(&t, urlPath(abs))
	}
	return t, true
}

func cardTitle(card, a *goquery.Selection) string {
	if el := card.Find(cardTitleSelector).First(); el.Length() > 0 {
		cand := collapse(el.Text())
		if cand == "" {
			cand, _ = el.Attr("aria-label")
			cand = collapse(cand)
		}
		low := strings.ToLower(cand)
		if cand != "" && !(strings.Contains(low, "view") && strings.Contains(low, "photo")) {
			return cand
		}
	}
	return collapse(a.Text())
}

func cardPrice(card *goquery.Selection, text string) string {
	if el := card.Find(cardPriceSelector).First(); el.Length() > 0 {
		if m := cardPriceRegex.FindString(el.Text()); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return strings.TrimSpace(cardPriceRegex.FindString(text))
}

func cardThumb(card *goquery.Selection) string {
	img := card.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"data-src", "src"} {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if srcset, ok := img.Attr("srcset"); ok {
		if fields := strings.Fields(srcset); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func junkAnchor(a *goquery.Selection) bool {
	text := strings.ToLower(a.Text())
	for _, j := range anchorJunk {
		if strings.Contains(text, j) {
			return true
		}
	}
	return false
}

// ldObjects flattens a decoded JSON-LD block: top-level objects, lists,
// @graph members and itemListElement entries.
func ldObjects(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, ldObjects(e)...)
		}
	case map[string]any:
		if g, ok := t["@graph"]; ok {
			out = append(out, ldObjects(g)...)
		}
		if items, ok := t["itemListElement"]; ok {
			out = append(out, ldObjects(items)...)
		}
		if item, ok := t["item"].(map[string]any); ok {
			return append(out, item)
		}
		out = append(out, t)
	}
	return out
}

func ldOffer(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) > 0 {
			return ldString(t[0])
		}
	}
	return ""
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// urlPath returns the path of an absolute or relative href without query
// or fragment.
func urlPath(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return u.Path
}
