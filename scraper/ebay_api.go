package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"rideradar/models"
	"rideradar/normalize"
)

const (
	EbayTokenURL     = "https://api.ebay.com/identity/v1/oauth2/token"
	EbaySearchURL    = "https://api.ebay.com/buy/browse/v1/item_summary/search"
	EbayDefaultScope = "https://api.ebay.com/oauth/api_scope"
	ebayCarsCategory = "29690"
	ebayPageSize     = 50
	tokenRefreshSkew = 60 * time.Second
)

var ErrEbayCredentials = eris.New("ebay app id and cert id must be set")

type EbayConfig struct {
	AppID     string
	CertID    string
	Scopes    string
	TokenURL  string
	SearchURL string
	MinPrice  int
	MaxPrice  int
	// FixedPriceOnly drops auctions from the buying-options filter.
	FixedPriceOnly bool
}

// EbaySource pages the Browse API item search. The application token is
// cached and refreshed once it is within a minute of expiry.
type EbaySource struct {
	cfg    EbayConfig
	client *http.Client
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewEbaySource(client *http.Client, cfg EbayConfig) (*EbaySource, error) {
	if cfg.AppID == "" || cfg.CertID == "" {
		return nil, ErrEbayCredentials
	}
	if cfg.Scopes == "" {
		cfg.Scopes = EbayDefaultScope
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = EbayTokenURL
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = EbaySearchURL
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &EbaySource{
		cfg:    cfg,
		client: client,
		log:    zap.L().With(zap.String("vendor", "ebay")),
		now:    time.Now,
	}, nil
}

func (s *EbaySource) Vendor() string { return "ebay" }

func (s *EbaySource) Page(ctx context.Context, params models.SearchParams, page int) (ExtractResult, error) {
	token, err := s.appToken(ctx)
	if err != nil {
		return ExtractResult{}, err
	}

	size := params.Limit
	if size <= 0 || size > ebayPageSize {
		size = ebayPageSize
	}
	if page < 1 {
		page = 1
	}
	q := strings.TrimSpace(params.Query)
	if q == "" {
		q = strings.Join(nonEmpty(params.Make, params.Model), " ")
	}

	v := url.Values{}
	v.Set("q", q)
	v.Set("category_ids", ebayCarsCategory)
	v.Set("limit", strconv.Itoa(size))
	v.Set("offset", strconv.Itoa((page-1)*size))
	v.Set("filter", s.filter())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SearchURL+"?"+v.Encode(), nil)
	if err != nil {
		return ExtractResult{}, eris.Wrap(err, "build ebay search request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", "EBAY_AU")

	resp, err := s.client.Do(req)
	if err != nil {
		return ExtractResult{}, classifyTransportError(req.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ExtractResult{}, &FetchError{Kind: FetchHTTPStatus, URL: s.cfg.SearchURL, Status: resp.StatusCode}
	}

	var result ebaySearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ExtractResult{}, eris.Wrap(err, "decode ebay search response")
	}

	res := ExtractResult{Drops: models.DropCounters{}}
	for _, raw := range result.ItemSummaries {
		tile, err := ebayTile(raw)
		if err != nil {
			res.Drops.Inc(models.DropParseError)
			continue
		}
		res.Tiles = append(res.Tiles, tile)
	}
	s.log.Debug("search page", zap.Int("page", page), zap.Int("items", len(res.Tiles)), zap.Int("total", result.Total))
	if len(res.Tiles) == 0 {
		return res, ErrNoTilesFound
	}
	return res, nil
}

func (s *EbaySource) filter() string {
	parts := []string{"deliveryCountry:AU"}
	if s.cfg.FixedPriceOnly {
		parts = append(parts, "buyingOptions:{FIXED_PRICE}")
	} else {
		parts = append(parts, "buyingOptions:{AUCTION|FIXED_PRICE}")
	}
	if s.cfg.MinPrice > 0 || s.cfg.MaxPrice > 0 {
		lo, hi := "", ""
		if s.cfg.MinPrice > 0 {
			lo = strconv.Itoa(s.cfg.MinPrice)
		}
		if s.cfg.MaxPrice > 0 {
			hi = strconv.Itoa(s.cfg.MaxPrice)
		}
		parts = append(parts, fmt.Sprintf("price:[%s..%s]", lo, hi), "priceCurrency:AUD")
	}
	return strings.Join(parts, ",")
}

func (s *EbaySource) appToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.expiresAt.Sub(s.now()) > tokenRefreshSkew {
		return s.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", s.cfg.Scopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", eris.Wrap(err, "build ebay token request")
	}
	req.SetBasicAuth(s.cfg.AppID, s.cfg.CertID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issued := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "ebay token exchange")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", eris.Errorf("ebay token exchange: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", eris.Wrap(err, "decode ebay token")
	}
	if payload.AccessToken == "" {
		return "", eris.New("ebay token response missing access_token")
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}

	s.token = payload.AccessToken
	s.expiresAt = issued.Add(time.Duration(payload.ExpiresIn * float64(time.Second)))
	s.log.Debug("refreshed app token", zap.Time("expires_at", s.expiresAt))
	return s.token, nil
}

type ebaySearchResponse struct {
	Total         int               `json:"total"`
	ItemSummaries []json.RawMessage `json:"itemSummaries"`
}

type ebayAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type ebayItem struct {
	ItemID          string      `json:"itemId"`
	Title           string      `json:"title"`
	ItemWebURL      string      `json:"itemWebUrl"`
	Price           *ebayAmount `json:"price"`
	CurrentBidPrice *ebayAmount `json:"currentBidPrice"`
	BuyingOptions   []string    `json:"buyingOptions"`
	Image           struct {
		ImageURL string `json:"imageUrl"`
	} `json:"image"`
	AdditionalImages []struct {
		ImageURL string `json:"imageUrl"`
	} `json:"additionalImages"`
	ItemLocation struct {
		City            string `json:"city"`
		StateOrProvince string `json:"stateOrProvince"`
		PostalCode      string `json:"postalCode"`
	} `json:"itemLocation"`
	Seller *struct {
		Username           string `json:"username"`
		FeedbackPercentage string `json:"feedbackPercentage"`
		FeedbackScore      int    `json:"feedbackScore"`
	} `json:"seller"`
}

func ebayTile(raw json.RawMessage) (models.RawTile, error) {
	var it ebayItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return models.RawTile{}, eris.Wrap(err, "decode item summary")
	}

	t := models.RawTile{
		Vendor:    "ebay",
		URL:       it.ItemWebURL,
		SourceID:  it.ItemID,
		Title:     it.Title,
		Location:  it.ItemLocation.City,
		Suburb:    it.ItemLocation.City,
		Postcode:  it.ItemLocation.PostalCode,
		YearGuess: firstMatch(cardYearRegex, it.Title),
		Payload:   raw,
	}
	t.MakeGuess, t.ModelGuess = normalize.GuessMakeModel(it.Title)
	if st := strings.ToUpper(strings.TrimSpace(it.ItemLocation.StateOrProvince)); len(st) >= 2 && len(st) <= 3 {
		t.State = st
	}
	if p := amount(it.Price); p != nil {
		t.Price = p
	} else {
		t.Price = amount(it.CurrentBidPrice)
	}
	for _, opt := range it.BuyingOptions {
		switch opt {
		case "FIXED_PRICE":
			t.SaleMethod = models.SaleMethodBuyNow
		case "AUCTION":
			if t.SaleMethod == "" {
				t.SaleMethod = models.SaleMethodAuction
			}
		}
	}
	if it.Image.ImageURL != "" {
		t.Thumb = it.Image.ImageURL
		t.Images = append(t.Images, it.Image.ImageURL)
	}
	for _, img := range it.AdditionalImages {
		t.Images = append(t.Images, img.ImageURL)
	}
	if it.Seller != nil {
		t.Seller = map[string]any{
			"username":           it.Seller.Username,
			"feedbackPercentage": it.Seller.FeedbackPercentage,
			"feedbackScore":      it.Seller.FeedbackScore,
		}
	}
	return t, nil
}

func amount(a *ebayAmount) *int {
	if a == nil || a.Value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(a.Value, 64)
	if err != nil {
		return nil
	}
	v := int(f)
	return &v
}
