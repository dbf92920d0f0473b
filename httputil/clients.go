// Package httputil builds the shared HTTP clients.
package httputil

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/publicsuffix"

	"rideradar/config"
)

const maxRedirects = 5

type Clients struct {
	Scraping *http.Client // cookie jar and optional proxy, for vendor sites
	API      *http.Client // direct, for the eBay API
	Media    *http.Client // direct, long timeout, for photo downloads
}

// NewClients builds the clients. The scraping client keeps cookies per
// registrable domain so warm-up cookies are replayed on later requests.
func NewClients(cfg config.HTTPConfig) (*Clients, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, eris.Wrap(err, "httputil: cookie jar")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(cfg.ProxyURL); p != "" {
		proxyURL, err := url.Parse(p)
		if err != nil {
			return nil, eris.Wrapf(err, "httputil: proxy url %q", p)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	scraping := &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Clients{
		Scraping: scraping,
		API:      &http.Client{Timeout: 30 * time.Second},
		Media:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}
