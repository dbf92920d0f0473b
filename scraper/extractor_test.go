package scraper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideradar/models"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return string(data)
}

func tileURLs(tiles []models.RawTile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = t.URL
	}
	return out
}

func TestExtract_PicklesSearchKeepsRepeatsWithinStrategy(t *testing.T) {
	res, err := Extract(PicklesProfile(), loadFixture(t, "pickles_search.html"), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://www.pickles.com.au/used/details/cars/2019-toyota-hilux/1111aaaa",
		"https://www.pickles.com.au/used/details/cars/2020-toyota-hilux/2222bbbb",
		"https://www.pickles.com.au/used/details/cars/2018-toyota-hilux/3333cccc",
		"https://www.pickles.com.au/used/details/cars/2019-toyota-hilux/1111aaaa",
		"https://www.pickles.com.au/used/details/cars/2017-toyota-hilux/4444dddd",
	}, tileURLs(res.Tiles))
	assert.Empty(t, res.Drops)

	first := res.Tiles[0]
	assert.Equal(t, "pickles", first.Vendor)
	assert.Equal(t, "2019 Toyota Hilux SR5", first.Title)
	assert.Equal(t, "$32,500", first.PriceText)
	assert.Equal(t, "QLD", first.Location)
	assert.Equal(t, models.SaleMethodBuyNow, first.SaleMethod)
	assert.Equal(t, "2019", first.YearGuess)
	assert.Equal(t, "Toyota", first.MakeGuess)
	assert.Equal(t, "Hilux", first.ModelGuess)
	assert.Equal(t, "1111aaaa", first.SourceID)

	assert.Empty(t, res.Tiles[4].PriceText)
	assert.Equal(t, "VIC", res.Tiles[4].Location)
}

func TestExtract_StrategiesInOrder(t *testing.T) {
	res, err := Extract(PicklesProfile(), loadFixture(t, "pickles_mixed.html"), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://www.pickles.com.au/used/details/cars/2019-toyota-hilux/1111aaaa",
		"https://www.pickles.com.au/used/details/cars/2021-toyota-hilux/2222bbbb",
		"https://www.pickles.com.au/used/details/cars/2016-toyota-hilux/5555eeee",
		"https://www.pickles.com.au/used/details/cars/2015-toyota-hilux/7777gggg",
	}, tileURLs(res.Tiles))
	assert.Equal(t, models.DropCounters{models.DropCategory: 1}, res.Drops)

	container := res.Tiles[0]
	assert.Equal(t, "2019 Toyota Hilux SR5", container.Title)
	assert.Equal(t, "$32,500", container.PriceText)
	assert.Equal(t, "https://cdn.pickles.com.au/1111aaaa/thumb.jpg", container.Thumb)

	assert.Equal(t, models.SaleMethodAuction, res.Tiles[1].SaleMethod)
	assert.Empty(t, res.Tiles[1].PriceText)

	whitelist := res.Tiles[2]
	assert.Equal(t, "$15,250", whitelist.PriceText)
	assert.Equal(t, "NT", whitelist.Location)

	ld := res.Tiles[3]
	assert.Equal(t, "2015 Toyota Hilux SR", ld.Title)
	assert.Equal(t, "$18990", ld.PriceText)
	assert.Equal(t, "SA", ld.State)
	assert.Equal(t, "Adelaide", ld.Suburb)
	assert.Equal(t, "https://cdn.pickles.com.au/7777gggg/1.jpg", ld.Thumb)
	assert.Equal(t, "7777gggg", ld.SourceID)
}

func TestExtract_LimitStopsLaterStrategies(t *testing.T) {
	res, err := Extract(PicklesProfile(), loadFixture(t, "pickles_mixed.html"), 2)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://www.pickles.com.au/used/details/cars/2019-toyota-hilux/1111aaaa",
		"https://www.pickles.com.au/used/details/cars/2021-toyota-hilux/2222bbbb",
	}, tileURLs(res.Tiles))
}

func TestExtract_ManheimCards(t *testing.T) {
	res, err := Extract(ManheimProfile(), loadFixture(t, "manheim_search.html"), 0)
	require.NoError(t, err)
	require.Len(t, res.Tiles, 1)

	tile := res.Tiles[0]
	assert.Equal(t, "https://manheim.com.au/damaged-vehicles/toyota/corolla/5012345", tile.URL)
	assert.Equal(t, "2017 Toyota Corolla Ascent", tile.Title)
	assert.Equal(t, "5012345", tile.SourceID)
	assert.Equal(t, "NSW", tile.Location)
	assert.Equal(t, models.SaleMethodAuction, tile.SaleMethod)
	assert.Equal(t, "https://img.manheim.com.au/a1.jpg", tile.Thumb)
}

func TestExtract_AutotraderSlugs(t *testing.T) {
	body := `<html><body><div class="search-results"><section>
		<div class="card"><div class="inner">
		<a href="/car/5551234/toyota/corolla/vic/hatch"><h3>2018 Toyota Corolla Ascent Sport</h3></a>
		<span class="price">$19,990</span>
		</div></div></section></div></body></html>`

	res, err := Extract(AutotraderProfile(), body, 0)
	require.NoError(t, err)
	require.Len(t, res.Tiles, 1)

	tile := res.Tiles[0]
	assert.Equal(t, "5551234", tile.SourceID)
	assert.Equal(t, "toyota", tile.MakeGuess)
	assert.Equal(t, "corolla", tile.ModelGuess)
	assert.Equal(t, "VIC", tile.State)
	assert.Equal(t, "$19,990", tile.PriceText)
}

func TestExtract_NoTiles(t *testing.T) {
	res, err := Extract(PicklesProfile(), `<html><body><p>No results</p><a href="/">Home</a></body></html>`, 0)
	assert.ErrorIs(t, err, ErrNoTilesFound)
	assert.Empty(t, res.Tiles)
}

func TestProfile_Blacklisted(t *testing.T) {
	p := PicklesProfile()

	assert.True(t, p.blacklisted(""))
	assert.True(t, p.blacklisted("https://evil.example.com/used/details/cars/x/123456"))
	assert.True(t, p.blacklisted("/used/search/cars/toyota"))
	assert.True(t, p.blacklisted("/help/buying"))
	assert.False(t, p.blacklisted("https://pickles.com.au/used/details/cars/2019-toyota-hilux/1111aaaa"))
}

func TestPicklesDetailPath(t *testing.T) {
	p := PicklesProfile()

	cases := map[string]bool{
		"/used/details/cars/2019-toyota-hilux/1111aaaa": true,
		"/cars/item/abc-123":                            true,
		"/used/search/cars/toyota":                      false,
		"/":                                             false,
		"/contact":                                      false,
		"/cars/x/abc":                                   false,
		"/something/cars/ABCDEF99":                      true,
	}
	for path, want := range cases {
		assert.Equal(t, want, p.IsDetailPath(path), path)
	}
}
