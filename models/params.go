package models

// SearchParams describe what to ask a vendor for.
type SearchParams struct {
	Vendor    string `json:"vendor" yaml:"vendor" mapstructure:"vendor"`
	Make      string `json:"make,omitempty" yaml:"make" mapstructure:"make"`
	Model     string `json:"model,omitempty" yaml:"model" mapstructure:"model"`
	State     string `json:"state,omitempty" yaml:"state" mapstructure:"state"`
	Suburb    string `json:"suburb,omitempty" yaml:"suburb" mapstructure:"suburb"`
	Query     string `json:"query,omitempty" yaml:"query" mapstructure:"query"`
	BuyMethod string `json:"buy_method,omitempty" yaml:"buy_method" mapstructure:"buy_method"` // "", "any", "buy_now"
	Salvage   string `json:"salvage,omitempty" yaml:"salvage" mapstructure:"salvage"`          // non-salvage, salvage, both
	WOVR      string `json:"wovr,omitempty" yaml:"wovr" mapstructure:"wovr"`                   // none, repairable, statutory
	Limit     int    `json:"limit" yaml:"limit" mapstructure:"limit"`
	MaxPages  int    `json:"max_pages" yaml:"max_pages" mapstructure:"max_pages"`
}

// Policy controls which tiles survive filtering and how the run behaves.
type Policy struct {
	RequirePrice       bool `json:"require_price" yaml:"require_price"`
	RequireYear        bool `json:"require_year" yaml:"require_year"`
	RequireState       bool `json:"require_state" yaml:"require_state"`
	StrictPrices       bool `json:"strict_prices" yaml:"strict_prices"`
	IncludeUnpriced    bool `json:"include_unpriced" yaml:"include_unpriced"`
	AllowEnquire       bool `json:"allow_enquire" yaml:"allow_enquire"`
	MinYear            int  `json:"min_year,omitempty" yaml:"min_year"`
	MinPrice           int  `json:"min_price,omitempty" yaml:"min_price"`
	MaxPrice           int  `json:"max_price,omitempty" yaml:"max_price"`
	Hydrate            bool `json:"hydrate" yaml:"hydrate"`
	HydrateConcurrency int  `json:"hydrate_concurrency" yaml:"hydrate_concurrency"`
	DryRun             bool `json:"dry_run" yaml:"dry_run"`
}

// DefaultPolicy mirrors the CLI defaults: price, year and state required.
func DefaultPolicy() Policy {
	return Policy{
		RequirePrice:       true,
		RequireYear:        true,
		RequireState:       true,
		HydrateConcurrency: 4,
	}
}

// PriceRequired reports whether a tile with the given sale method must carry
// a price to survive filtering.
func (p Policy) PriceRequired(saleMethod string) bool {
	required := p.StrictPrices || (p.RequirePrice && !p.IncludeUnpriced)
	if saleMethod == SaleMethodEnquire && p.AllowEnquire && p.IncludeUnpriced {
		required = p.StrictPrices
	}
	return required
}
