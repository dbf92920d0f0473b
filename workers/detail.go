package workers

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"rideradar/models"
	"rideradar/normalize"
)

var (
	dollarRegex   = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{2})?`)
	digitsRegex   = regexp.MustCompile(`\d[\d,]*`)
	suburbStRegex = regexp.MustCompile(`([A-Z][A-Za-z' -]{1,40}),\s*(ACT|NSW|NT|QLD|SA|TAS|VIC|WA)\b`)

	labeledFallbacks = []struct {
		field string
		re    *regexp.Regexp
	}{
		{"odometer", regexp.MustCompile(`(?i)\b(?:odometer|kilometres|kms)\s*[:\-]?\s*(\d[\d,]*)`)},
		{"trans", regexp.MustCompile(`(?i)\btransmission\s*[:\-]?\s*(automatic|manual|auto|cvt|dct)\b`)},
		{"fuel", regexp.MustCompile(`(?i)\bfuel(?:\s+type)?\s*[:\-]?\s*(petrol|diesel|hybrid|electric|lpg|unleaded|premium unleaded)\b`)},
		{"body", regexp.MustCompile(`(?i)\bbody(?:\s+type)?\s*[:\-]?\s*(sedan|hatch(?:back)?|wagon|ute|suv|coupe|van|convertible|cab chassis)\b`)},
		{"drive", regexp.MustCompile(`(?i)\bdrive(?:\s+type)?\s*[:\-]?\s*(4x4|4x2|awd|fwd|rwd|4wd|2wd)\b`)},
		{"engine", regexp.MustCompile(`(?i)\bengine\s*[:\-]?\s*([0-9.]+\s?l[^,.;\n]{0,30})`)},
	}
)

const (
	buyNowPriceSelector = "#item-buy-now-price, [id*='buy-now-price'], [data-testid*='buy-now-price']"
	saleBadgeSelector   = "[class*='badge'], [class*='sale-method'], [data-testid*='sale-method'], .label"
	locationSelector    = "[class*='location'], [data-testid*='location'], .suburb"
	gallerySelector     = "[class*='gallery'] img, [data-testid*='gallery'] img, .carousel img, picture img"
)

var priceMetaSelectors = []struct{ sel, attr string }{
	{"[itemprop='price']", "content"},
	{"meta[property='og:price:amount']", "content"},
	{"meta[property='product:price:amount']", "content"},
	{"meta[name='twitter:data1']", "content"},
}

// ParseDetail pulls enrichment fields out of a listing page. Fields that
// cannot be found stay empty.
func ParseDetail(body, pageURL string) (models.Detail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return models.Detail{}, eris.Wrap(err, "parse detail page")
	}
	base := siteBase(pageURL)

	var d models.Detail
	ld := structuredData(doc)
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	d.Title = ld.title
	if d.Title == "" {
		d.Title, _ = doc.Find("meta[property='og:title']").Attr("content")
	}
	if d.Title == "" {
		d.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	d.Price = detailPrice(doc, ld, text)
	d.SaleMethod = detailSaleMethod(doc, ld, text)

	d.YearGuess = ld.year
	d.MakeGuess, d.ModelGuess = ld.make, ld.model
	d.Odometer = ld.odometer
	d.Body, d.Trans, d.Fuel, d.Engine, d.Drive = ld.body, ld.trans, ld.fuel, ld.engine, ld.drive

	applySpecPairs(&d, specPairs(doc))
	applyFallbacks(&d, text)

	d.State, d.Suburb = ld.state, ld.suburb
	if d.State == "" {
		d.Suburb, d.State = detailLocation(doc, text)
	}

	imgs := append([]string(nil), ld.images...)
	doc.Find(gallerySelector).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"data-src", "src"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				imgs = append(imgs, v)
				return
			}
		}
	})
	d.Images = normalize.CleanMedia(imgs, base, normalize.MaxMedia)
	if len(d.Images) == 0 {
		d.Images = nil
	}
	return d, nil
}

// detailPrice walks the price tiers in order; within a tier the largest
// plausible value wins.
func detailPrice(doc *goquery.Document, ld ldDetail, text string) *int {
	if p := maxPlausible(ld.prices); p != nil {
		return p
	}

	var meta []string
	for _, m := range priceMetaSelectors {
		doc.Find(m.sel).Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(m.attr); ok {
				meta = append(meta, v)
			} else {
				meta = append(meta, s.Text())
			}
		})
	}
	if p := maxPlausible(meta); p != nil {
		return p
	}

	var dom []string
	doc.Find(buyNowPriceSelector).Each(func(_ int, s *goquery.Selection) {
		dom = append(dom, s.Text())
	})
	if p := maxPlausible(dom); p != nil {
		return p
	}

	return maxPlausible(dollarRegex.FindAllString(text, -1))
}

func maxPlausible(candidates []string) *int {
	var best *int
	for _, c := range candidates {
		p := normalize.ParsePrice(c)
		if p == nil || !normalize.PriceInBounds(*p) {
			continue
		}
		if best == nil || *p > *best {
			best = p
		}
	}
	return best
}

func detailSaleMethod(doc *goquery.Document, ld ldDetail, text string) string {
	if m := normalize.DetectSaleMethod(ld.text); m != "" {
		return m
	}
	var badges []string
	doc.Find(saleBadgeSelector).Each(func(_ int, s *goquery.Selection) {
		badges = append(badges, s.Text())
	})
	if m := normalize.DetectSaleMethod(strings.Join(badges, " ")); m != "" {
		return m
	}
	return normalize.DetectSaleMethod(text)
}

// specPairs collects label/value pairs from definition lists and two-cell
// table rows, keyed by lowercased label.
func specPairs(doc *goquery.Document) map[string]string {
	pairs := make(map[string]string)
	put := func(label, value string) {
		label = strings.TrimSuffix(strings.ToLower(strings.Join(strings.Fields(label), " ")), ":")
		value = strings.Join(strings.Fields(value), " ")
		if label == "" || value == "" {
			return
		}
		if _, ok := pairs[label]; !ok {
			pairs[label] = value
		}
	}
	doc.Find("dl dt").Each(func(_ int, dt *goquery.Selection) {
		put(dt.Text(), dt.NextFiltered("dd").Text())
	})
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Children().Filter("th, td")
		if cells.Length() == 2 {
			put(cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})
	return pairs
}

var specLabels = map[string]string{
	"odometer":        "odometer",
	"kilometres":      "odometer",
	"kms":             "odometer",
	"body":            "body",
	"body type":       "body",
	"body style":      "body",
	"transmission":    "trans",
	"gearbox":         "trans",
	"fuel":            "fuel",
	"fuel type":       "fuel",
	"engine":          "engine",
	"engine size":     "engine",
	"drive":           "drive",
	"drive type":      "drive",
	"drivetrain":      "drive",
	"variant":         "variant",
	"badge":           "variant",
	"series":          "variant",
	"year":            "year",
	"build date":      "year",
	"compliance date": "year",
	"make":            "make",
	"model":           "model",
}

func applySpecPairs(d *models.Detail, pairs map[string]string) {
	for label, value := range pairs {
		field, ok := specLabels[label]
		if !ok {
			continue
		}
		setDetailField(d, field, value, true)
	}
}

func applyFallbacks(d *models.Detail, text string) {
	for _, f := range labeledFallbacks {
		if m := f.re.FindStringSubmatch(text); m != nil {
			setDetailField(d, f.field, m[1], false)
		}
	}
}

// setDetailField writes value into field; details-table values replace what
// structured data said, regex fallbacks only fill gaps.
func setDetailField(d *models.Detail, field, value string, override bool) {
	value = strings.TrimSpace(value)
	set := func(dst *string) {
		if override || *dst == "" {
			*dst = value
		}
	}
	switch field {
	case "odometer":
		if d.Odometer != nil && !override {
			return
		}
		if m := digitsRegex.FindString(value); m != "" {
			if v, err := strconv.Atoi(strings.ReplaceAll(m, ",", "")); err == nil {
				d.Odometer = &v
			}
		}
	case "year":
		if y := normalize.YearFromText(value); y != nil && (override || d.YearGuess == "") {
			d.YearGuess = strconv.Itoa(*y)
		}
	case "body":
		set(&d.Body)
	case "trans":
		set(&d.Trans)
	case "fuel":
		set(&d.Fuel)
	case "engine":
		set(&d.Engine)
	case "drive":
		set(&d.Drive)
	case "variant":
		set(&d.Variant)
	case "make":
		set(&d.MakeGuess)
	case "model":
		set(&d.ModelGuess)
	}
}

func detailLocation(doc *goquery.Document, text string) (suburb, state string) {
	var found string
	doc.Find(locationSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.Join(strings.Fields(s.Text()), " ")
		if normalize.StateFromText(t) != "" {
			found = t
			return false
		}
		return true
	})
	if found != "" {
		if m := suburbStRegex.FindStringSubmatch(found); m != nil {
			return strings.TrimSpace(m[1]), m[2]
		}
		return "", normalize.StateFromText(found)
	}
	if m := suburbStRegex.FindStringSubmatch(text); m != nil {
		return trailingTitleWords(m[1], 3), m[2]
	}
	return "", ""
}

// trailingTitleWords trims a greedy capture from running page text down to
// the capitalized words before the comma, at most n of them.
func trailingTitleWords(s string, n int) string {
	f := strings.Fields(s)
	i := len(f)
	for i > 0 && len(f)-i < n {
		w := f[i-1]
		if w == "" || w[0] < 'A' || w[0] > 'Z' {
			break
		}
		i--
	}
	return strings.Join(f[i:], " ")
}

type ldDetail struct {
	title    string
	prices   []string
	text     string
	year     string
	make     string
	model    string
	odometer *int
	body     string
	trans    string
	fuel     string
	engine   string
	drive    string
	state    string
	suburb   string
	images   []string
}

func structuredData(doc *goquery.Document) ldDetail {
	var out ldDetail
	var texts []string
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return
		}
		for _, obj := range flattenLD(data) {
			if out.title == "" {
				out.title = str(obj["name"])
			}
			texts = append(texts, str(obj["description"]), str(obj["name"]))
			for _, offer := range asObjects(obj["offers"]) {
				for _, k := range []string{"price", "lowPrice", "highPrice"} {
					if v := str(offer[k]); v != "" {
						out.prices = append(out.prices, v)
					}
				}
				texts = append(texts, str(offer["name"]), str(offer["description"]))
			}
			for _, k := range []string{"vehicleModelDate", "modelDate", "productionDate", "dateVehicleFirstRegistered"} {
				if out.year == "" {
					if y := normalize.YearFromText(str(obj[k])); y != nil {
						out.year = strconv.Itoa(*y)
					}
				}
			}
			if out.make == "" {
				out.make = nameOf(obj["brand"])
				if out.make == "" {
					out.make = nameOf(obj["manufacturer"])
				}
			}
			if out.model == "" {
				out.model = nameOf(obj["model"])
			}
			if out.odometer == nil {
				if odo := asObjects(obj["mileageFromOdometer"]); len(odo) > 0 {
					if v := normalize.ParsePrice(str(odo[0]["value"])); v != nil {
						out.odometer = v
					}
				}
			}
			first(&out.body, str(obj["bodyType"]))
			first(&out.trans, str(obj["vehicleTransmission"]))
			first(&out.fuel, str(obj["fuelType"]))
			first(&out.engine, nameOf(obj["vehicleEngine"]))
			first(&out.drive, str(obj["driveWheelConfiguration"]))
			for _, addr := range asObjects(obj["address"]) {
				first(&out.state, normalize.UpperState(str(addr["addressRegion"])))
				first(&out.suburb, str(addr["addressLocality"]))
			}
			out.images = append(out.images, strs(obj["image"])...)
		}
	})
	out.text = strings.Join(texts, " ")
	return out
}

func flattenLD(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, flattenLD(e)...)
		}
	case map[string]any:
		if g, ok := t["@graph"]; ok {
			out = append(out, flattenLD(g)...)
		}
		out = append(out, t)
	}
	return out
}

func asObjects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func nameOf(v any) string {
	if s := str(v); s != "" {
		return s
	}
	if objs := asObjects(v); len(objs) > 0 {
		return str(objs[0]["name"])
	}
	return ""
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func strs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s := str(e); s != "" {
				out = append(out, s)
			} else if objs := asObjects(e); len(objs) > 0 {
				if u := str(objs[0]["url"]); u != "" {
					out = append(out, u)
				}
			}
		}
		return out
	case map[string]any:
		if u := str(t["url"]); u != "" {
			return []string{u}
		}
	}
	return nil
}

func first(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func siteBase(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
