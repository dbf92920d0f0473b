package models

import (
	"encoding/json"
	"time"
)

const ListingStatusActive = "active"

// RawTile is one candidate listing scraped from a search page, before
// normalization. Fields are best-effort guesses; empty means unknown.
type RawTile struct {
	Vendor     string `json:"vendor"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	PriceText  string `json:"price_str,omitempty"`
	Price      *int   `json:"price,omitempty"`
	Thumb      string `json:"thumb,omitempty"`
	Location   string `json:"location,omitempty"`
	State      string `json:"state,omitempty"`
	Suburb     string `json:"suburb,omitempty"`
	Postcode   string `json:"postcode,omitempty"`
	YearGuess  string `json:"year_guess,omitempty"`
	MakeGuess  string `json:"make_guess,omitempty"`
	ModelGuess string `json:"model_guess,omitempty"`
	SaleMethod string `json:"sale_method,omitempty"`
	SourceID   string `json:"source_id_guess,omitempty"`

	// Filled by detail hydration or rich API payloads.
	Images   []string `json:"images,omitempty"`
	Odometer *int     `json:"odometer,omitempty"`
	Body     string   `json:"body,omitempty"`
	Trans    string   `json:"trans,omitempty"`
	Fuel     string   `json:"fuel,omitempty"`
	Engine   string   `json:"engine,omitempty"`
	Drive    string   `json:"drive,omitempty"`
	Variant  string   `json:"variant,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`

	Seller  map[string]any  `json:"seller,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Detail is the enrichment recovered from a listing's own page. The zero
// value means hydration produced nothing.
type Detail struct {
	Title      string
	Price      *int
	SaleMethod string
	YearGuess  string
	State      string
	Suburb     string
	MakeGuess  string
	ModelGuess string
	Images     []string
	Odometer   *int
	Body       string
	Trans      string
	Fuel       string
	Engine     string
	Drive      string
	Variant    string
}

func (d Detail) IsEmpty() bool {
	return d.Title == "" && d.Price == nil && d.SaleMethod == "" && d.YearGuess == "" &&
		d.State == "" && d.Suburb == "" && d.MakeGuess == "" && d.ModelGuess == "" &&
		len(d.Images) == 0 && d.Odometer == nil && d.Body == "" && d.Trans == "" &&
		d.Fuel == "" && d.Engine == "" && d.Drive == "" && d.Variant == ""
}

// Merge copies every non-empty enrichment field over the tile. Fields the
// detail page did not yield are left untouched.
func (t *RawTile) Merge(d Detail) {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&t.Title, d.Title)
	if d.Price != nil {
		p := *d.Price
		t.Price = &p
	}
	setStr(&t.SaleMethod, d.SaleMethod)
	setStr(&t.YearGuess, d.YearGuess)
	setStr(&t.State, d.State)
	setStr(&t.Suburb, d.Suburb)
	setStr(&t.MakeGuess, d.MakeGuess)
	setStr(&t.ModelGuess, d.ModelGuess)
	if len(d.Images) > 0 {
		t.Images = append([]string(nil), d.Images...)
		if t.Thumb == "" {
			t.Thumb = d.Images[0]
		}
	}
	if d.Odometer != nil {
		o := *d.Odometer
		t.Odometer = &o
	}
	setStr(&t.Body, d.Body)
	setStr(&t.Trans, d.Trans)
	setStr(&t.Fuel, d.Fuel)
	setStr(&t.Engine, d.Engine)
	setStr(&t.Drive, d.Drive)
	setStr(&t.Variant, d.Variant)
}

// Listing is the canonical record persisted by a ListingStore. Identity is
// (Source, SourceID); Fingerprint is only a similarity hint.
type Listing struct {
	Source      string          `json:"source" db:"source"`
	SourceID    string          `json:"source_id" db:"source_id"`
	SourceURL   string          `json:"source_url" db:"source_url"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	Make        string          `json:"make,omitempty" db:"make"`
	Model       string          `json:"model,omitempty" db:"model"`
	Variant     string          `json:"variant,omitempty" db:"variant"`
	Year        *int            `json:"year,omitempty" db:"year"`
	Price       *int            `json:"price,omitempty" db:"price"`
	Odometer    *int            `json:"odometer,omitempty" db:"odometer"`
	Body        string          `json:"body,omitempty" db:"body"`
	Trans       string          `json:"trans,omitempty" db:"trans"`
	Fuel        string          `json:"fuel,omitempty" db:"fuel"`
	Engine      string          `json:"engine,omitempty" db:"engine"`
	Drive       string          `json:"drive,omitempty" db:"drive"`
	State       string          `json:"state,omitempty" db:"state"`
	Suburb      string          `json:"suburb,omitempty" db:"suburb"`
	Postcode    string          `json:"postcode,omitempty" db:"postcode"`
	Lat         *float64        `json:"lat,omitempty" db:"lat"`
	Lng         *float64        `json:"lng,omitempty" db:"lng"`
	Media       []string        `json:"media" db:"media"`
	Seller      map[string]any  `json:"seller" db:"seller"`
	Raw         json.RawMessage `json:"raw,omitempty" db:"raw"`
	SaleMethod  string          `json:"sale_method,omitempty" db:"sale_method"`
	Status      string          `json:"status" db:"status"`
	LastSeen    time.Time       `json:"last_seen" db:"last_seen"`
}

func IntPtr(v int) *int { return &v }
