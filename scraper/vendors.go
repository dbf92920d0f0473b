package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"rideradar/models"
	"rideradar/normalize"
)

// Profile captures everything vendor-specific about scraping a search page.
type Profile struct {
	Key     string
	BaseURL string

	Containers []string
	Items      []string

	IsDetailPath func(path string) bool
	Blacklist    func(href string) bool
	// ListingMarker gates structured-data URLs; PositiveMarkers suppress
	// challenge detection on pages that are clearly real results.
	ListingMarker   string
	PositiveMarkers []string

	TileHook  func(t *models.RawTile, path string)
	SearchURL func(params models.SearchParams, page int) string

	Escalate bool
}

func (p *Profile) absolute(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || href == "" {
		return ""
	}
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// WithBaseURL returns a copy of p rooted at base. Search URLs built by the
// copy and the host it accepts tiles from both follow the new root.
func (p *Profile) WithBaseURL(base string) *Profile {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	from := strings.TrimRight(p.BaseURL, "/")
	if base == "" || base == from {
		return p
	}
	cp := *p
	cp.BaseURL = base
	if build := p.SearchURL; build != nil {
		cp.SearchURL = func(params models.SearchParams, page int) string {
			u := build(params, page)
			if rest, ok := strings.CutPrefix(u, from); ok {
				return base + rest
			}
			return u
		}
	}
	return &cp
}

// blacklisted rejects foreign hosts plus whatever the vendor lists.
func (p *Profile) blacklisted(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" {
		return true
	}
	if u, err := url.Parse(href); err == nil && u.Host != "" {
		base, _ := url.Parse(p.BaseURL)
		if base == nil || bareHost(u.Hostname()) != bareHost(base.Hostname()) {
			return true
		}
	}
	return p.Blacklist != nil && p.Blacklist(href)
}

func bareHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}

var auStates = map[string]bool{
	"act": true, "nsw": true, "nt": true, "qld": true,
	"sa": true, "tas": true, "vic": true, "wa": true,
}

var slugRegex = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(slugRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-"), "-")
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Profiles returns the HTML vendor profiles keyed by vendor.
func Profiles() map[string]*Profile {
	out := make(map[string]*Profile)
	for _, p := range []*Profile{PicklesProfile(), AutotraderProfile(), GumtreeProfile(), ManheimProfile()} {
		out[p.Key] = p
	}
	return out
}

var (
	picklesDetail     = regexp.MustCompile(`(?i)^/used/details/cars/[^/]+/[0-9A-Za-z-]+$`)
	picklesItem       = regexp.MustCompile(`(?i)^/cars/item/[^/?#]+/?$`)
	picklesTail       = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)
	picklesBadPaths   = map[string]bool{"/": true, "/home": true, "/about": true, "/contact": true, "/locations": true, "/auctions": true, "/sell": true, "/finance": true}
	picklesBadTerms   = []string{"office", "contact", "help", "terms", "privacy"}
	picklesSearchPath = regexp.MustCompile(`(?i)^/used/search/|^/$|^/home/?$`)
)

func PicklesProfile() *Profile {
	return &Profile{
		Key:     "pickles",
		BaseURL: normalize.PicklesBase,
		IsDetailPath: func(path string) bool {
			if path == "" || picklesBadPaths[path] {
				return false
			}
			if picklesDetail.MatchString(path) || picklesItem.MatchString(path) {
				return true
			}
			if strings.Contains(path, "/cars/") && !strings.HasPrefix(strings.ToLower(path), "/used/search/") {
				segs := strings.Split(strings.TrimRight(path, "/"), "/")
				return picklesTail.MatchString(segs[len(segs)-1])
			}
			return false
		},
		Blacklist: func(href string) bool {
			if picklesSearchPath.MatchString(urlPath(href)) {
				return true
			}
			low := strings.ToLower(href)
			for _, t := range picklesBadTerms {
				if strings.Contains(low, t) {
					return true
				}
			}
			return false
		},
		ListingMarker:   "/used/details/cars/",
		PositiveMarkers: []string{"/used/details/cars/"},
		TileHook:        trailingIDHook,
		SearchURL:       PicklesSearchURL,
	}
}

// PicklesSearchURL builds /used/search/cars[/make[/model]][/state/<st>[/suburb]]
// with the site's and[i][or][j][key]=value filter encoding.
func PicklesSearchURL(p models.SearchParams, page int) string {
	parts := []string{"used", "search", "cars"}
	if m := slug(p.Make); m != "" {
		parts = append(parts, m)
	}
	if m := slug(p.Model); m != "" {
		parts = append(parts, m)
	}
	if st := slug(p.State); auStates[st] {
		parts = append(parts, "state", st)
		if sub := slug(p.Suburb); sub != "" {
			parts = append(parts, sub)
		}
	}

	if page < 1 {
		page = 1
	}
	pairs := []string{"page=" + strconv.Itoa(page)}
	q := strings.TrimSpace(p.Query)
	if q == "" {
		q = strings.TrimSpace(strings.Join(nonEmpty(p.Make, p.Model), " "))
	}
	if q != "" {
		pairs = append(pairs, "search="+queryEscape(q))
	}
	if p.Limit > 0 {
		pairs = append(pairs, "limit="+strconv.Itoa(p.Limit))
	}
	if f := picklesFilter(p); f != "" {
		pairs = append(pairs, "filter="+queryEscape(f))
	}
	return normalize.PicklesBase + "/" + strings.Join(parts, "/") + "?" + strings.Join(pairs, "&")
}

type filterGroup struct {
	key    string
	values []string
}

func picklesFilter(p models.SearchParams) string {
	var groups []filterGroup
	if strings.EqualFold(p.BuyMethod, models.SaleMethodBuyNow) {
		groups = append(groups, filterGroup{"buyMethod", []string{"Buy Now"}})
	}
	switch strings.ToLower(p.Salvage) {
	case "non-salvage":
		groups = append(groups, filterGroup{"salvage", []string{"non-Salvage"}})
	case "salvage":
		groups = append(groups, filterGroup{"salvage", []string{"Salvage"}})
	case "both":
		groups = append(groups, filterGroup{"salvage", []string{"non-Salvage", "Salvage"}})
	}
	switch strings.ToLower(p.WOVR) {
	case "repairable":
		groups = append(groups, filterGroup{"wovr", []string{"Repairable Write-Off"}})
	case "statutory":
		groups = append(groups, filterGroup{"wovr", []string{"Statutory Write-Off"}})
	}

	var parts []string
	for i, g := range groups {
		for j, v := range g.values {
			parts = append(parts, fmt.Sprintf("and[%d][or][%d][%s]=%s", i, j, g.key, v))
		}
	}
	return strings.Join(parts, "&")
}

var autotraderDetail = regexp.MustCompile(`(?i)^/car/\d+/`)

func AutotraderProfile() *Profile {
	return &Profile{
		Key:             "autotrader",
		BaseURL:         normalize.AutotraderBase,
		IsDetailPath:    autotraderDetail.MatchString,
		ListingMarker:   "/car/",
		PositiveMarkers: []string{"/car/"},
		TileHook:        autotraderHook,
		SearchURL:       AutotraderSearchURL,
	}
}

// autotraderHook reads /car/<id>/<make>/<model>/<state> slugs.
func autotraderHook(t *models.RawTile, path string) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) > 1 {
		t.SourceID = segs[1]
	}
	if len(segs) > 2 {
		t.MakeGuess = segs[2]
	}
	if len(segs) > 3 {
		t.ModelGuess = segs[3]
	}
	if len(segs) > 4 && auStates[strings.ToLower(segs[4])] {
		t.State = strings.ToUpper(segs[4])
	}
}

func AutotraderSearchURL(p models.SearchParams, page int) string {
	parts := []string{"for-sale", "used"}
	for _, s := range []string{p.Make, p.Model, p.State} {
		if v := slug(s); v != "" {
			parts = append(parts, v)
		}
	}
	u := normalize.AutotraderBase + "/" + strings.Join(parts, "/")
	if page > 1 {
		u += "?page=" + strconv.Itoa(page)
	}
	return u
}

var gumtreeID = regexp.MustCompile(`/(\d+)/?$`)

func GumtreeProfile() *Profile {
	return &Profile{
		Key:     "gumtree",
		BaseURL: normalize.GumtreeBase,
		IsDetailPath: func(path string) bool {
			return strings.Contains(path, "/s-ad/")
		},
		ListingMarker:   "/s-ad/",
		PositiveMarkers: []string{"/s-ad/"},
		TileHook: func(t *models.RawTile, path string) {
			if m := gumtreeID.FindStringSubmatch(path); m != nil {
				t.SourceID = m[1]
			}
		},
		SearchURL: GumtreeSearchURL,
		Escalate:  true,
	}
}

func GumtreeSearchURL(p models.SearchParams, page int) string {
	parts := []string{"s-cars-vans-utes"}
	if st := slug(p.State); auStates[st] {
		parts = append(parts, st)
	}
	if page > 1 {
		parts = append(parts, "page-"+strconv.Itoa(page))
	}
	parts = append(parts, "c18320")
	u := normalize.GumtreeBase + "/" + strings.Join(parts, "/")
	q := strings.TrimSpace(p.Query)
	if q == "" {
		q = strings.Join(nonEmpty(p.Make, p.Model), " ")
	}
	if q != "" {
		u += "?q=" + queryEscape(q)
	}
	return u
}

var manheimDetail = regexp.MustCompile(`(?i)/damaged-vehicles/(?:[^/]+/)*[0-9A-Za-z-]*\d[0-9A-Za-z-]*/?$`)

func ManheimProfile() *Profile {
	return &Profile{
		Key:        "manheim",
		BaseURL:    normalize.ManheimBase,
		Containers: []string{".vehicle-card"},
		Items:      []string{"a[href]"},
		IsDetailPath: func(path string) bool {
			return !strings.Contains(path, "/damaged-vehicles/search") && manheimDetail.MatchString(path)
		},
		ListingMarker:   "/damaged-vehicles/",
		PositiveMarkers: []string{"vehicle-card"},
		TileHook:        trailingIDHook,
		SearchURL:       ManheimSearchURL,
	}
}

func ManheimSearchURL(p models.SearchParams, page int) string {
	u := normalize.ManheimBase + "/damaged-vehicles/search?refineName=ManufacturerCode&ManufacturerCode=" +
		queryEscape(strings.ToUpper(strings.TrimSpace(p.Make)))
	if page > 1 {
		u += "&page=" + strconv.Itoa(page)
	}
	return u
}

func trailingIDHook(t *models.RawTile, path string) {
	segs := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(segs) > 0 {
		t.SourceID = segs[len(segs)-1]
	}
}

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
