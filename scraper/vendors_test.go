package scraper

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideradar/models"
)

func TestPicklesSearchURL(t *testing.T) {
	raw := PicklesSearchURL(models.SearchParams{
		Make:      "Toyota",
		Model:     "Hilux",
		State:     "QLD",
		Suburb:    "Eagle Farm",
		Limit:     24,
		BuyMethod: models.SaleMethodBuyNow,
		Salvage:   "non-salvage",
	}, 1)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "www.pickles.com.au", u.Host)
	assert.Equal(t, "/used/search/cars/toyota/hilux/state/qld/eagle-farm", u.Path)

	q := u.Query()
	assert.Equal(t, "1", q.Get("page"))
	assert.Equal(t, "Toyota Hilux", q.Get("search"))
	assert.Equal(t, "24", q.Get("limit"))
	assert.Equal(t, "and[0][or][0][buyMethod]=Buy Now&and[1][or][0][salvage]=non-Salvage", q.Get("filter"))
	assert.NotContains(t, raw, "+")
}

func TestPicklesSearchURL_UnknownStateAndFilters(t *testing.T) {
	raw := PicklesSearchURL(models.SearchParams{
		Make:    "Mazda",
		State:   "Queensland",
		Suburb:  "Eagle Farm",
		Query:   "mazda bt-50",
		Salvage: "both",
		WOVR:    "statutory",
	}, 3)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/used/search/cars/mazda", u.Path)
	assert.Equal(t, "3", u.Query().Get("page"))
	assert.Equal(t, "mazda bt-50", u.Query().Get("search"))
	assert.Empty(t, u.Query().Get("limit"))
	assert.Equal(t,
		"and[0][or][0][salvage]=non-Salvage&and[0][or][1][salvage]=Salvage&and[1][or][0][wovr]=Statutory Write-Off",
		u.Query().Get("filter"))
}

func TestAutotraderSearchURL(t *testing.T) {
	p := models.SearchParams{Make: "Toyota", Model: "Land Cruiser", State: "NSW"}
	assert.Equal(t, "https://www.autotrader.com.au/for-sale/used/toyota/land-cruiser/nsw", AutotraderSearchURL(p, 1))
	assert.Equal(t, "https://www.autotrader.com.au/for-sale/used/toyota/land-cruiser/nsw?page=2", AutotraderSearchURL(p, 2))
}

func TestGumtreeSearchURL(t *testing.T) {
	p := models.SearchParams{Make: "Ford", Model: "Ranger", State: "wa"}
	assert.Equal(t, "https://www.gumtree.com.au/s-cars-vans-utes/wa/c18320?q=Ford%20Ranger", GumtreeSearchURL(p, 1))
	assert.Equal(t, "https://www.gumtree.com.au/s-cars-vans-utes/wa/page-4/c18320?q=Ford%20Ranger", GumtreeSearchURL(p, 4))
	assert.Equal(t, "https://www.gumtree.com.au/s-cars-vans-utes/c18320", GumtreeSearchURL(models.SearchParams{}, 1))
}

func TestManheimSearchURL(t *testing.T) {
	p := models.SearchParams{Make: "toyota"}
	assert.Equal(t, "https://manheim.com.au/damaged-vehicles/search?refineName=ManufacturerCode&ManufacturerCode=TOYOTA", ManheimSearchURL(p, 1))
	assert.Equal(t, "https://manheim.com.au/damaged-vehicles/search?refineName=ManufacturerCode&ManufacturerCode=TOYOTA&page=2", ManheimSearchURL(p, 2))
}

func TestProfiles(t *testing.T) {
	profiles := Profiles()
	assert.Len(t, profiles, 4)
	for key, p := range profiles {
		assert.Equal(t, key, p.Key)
		assert.NotNil(t, p.SearchURL)
		assert.NotNil(t, p.IsDetailPath)
	}
	assert.True(t, profiles["gumtree"].Escalate)
}

func TestProfile_WithBaseURL(t *testing.T) {
	orig := GumtreeProfile()
	assert.Same(t, orig, orig.WithBaseURL(""))
	assert.Same(t, orig, orig.WithBaseURL(orig.BaseURL+"/"))

	p := orig.WithBaseURL("https://staging.gumtree.test/")
	assert.Equal(t, "https://staging.gumtree.test", p.BaseURL)

	raw := p.SearchURL(models.SearchParams{Make: "Mazda", Model: "CX-5"}, 2)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "staging.gumtree.test", u.Host)
	assert.Equal(t, "https://staging.gumtree.test/s-ad/1234", p.absolute("/s-ad/1234"))
	assert.True(t, p.blacklisted("https://www.gumtree.com.au/s-ad/1234"))

	assert.Contains(t, orig.SearchURL(models.SearchParams{Make: "Mazda"}, 1), "https://www.gumtree.com.au/")
	assert.Equal(t, "https://www.gumtree.com.au", orig.BaseURL)
}
