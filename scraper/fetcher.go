package scraper

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout   = 15 * time.Second
	defaultWarmupInterval = 10 * time.Minute
	maxBodyBytes          = 8 << 20
	robotsAgent           = "rideradar"
)

var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// Fetcher retrieves one document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// AssistedFetcher is the escape hatch used when plain HTTP is blocked, such
// as a persistent browser session an operator can unstick by hand.
type AssistedFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type FetcherOptions struct {
	BaseURL        string
	UserAgents     []string
	Timeout        time.Duration
	WarmupInterval time.Duration
	Detector       *ChallengeDetector
	Escalate       bool
	Assisted       AssistedFetcher
	RespectRobots  bool
}

// HTTPFetcher fetches vendor pages over plain HTTP. It warms up on the site
// root for cookies, rotates user agents, retries once with a new identity
// on 403/429, and flags anti-bot interstitials.
type HTTPFetcher struct {
	client *http.Client
	opts   FetcherOptions
	log    *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	nextUA     int
	lastWarmup time.Time
	robots     *robotstxt.Group
	robotsDone bool
}

func NewHTTPFetcher(client *http.Client, opts FetcherOptions) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = DefaultUserAgents
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	if opts.WarmupInterval <= 0 {
		opts.WarmupInterval = defaultWarmupInterval
	}
	if opts.Detector == nil {
		opts.Detector = NewChallengeDetector()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &HTTPFetcher{
		client: client,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "fetcher"), zap.String("base", opts.BaseURL)),
		now:    time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	f.warmup(ctx)

	if !f.allowed(rawURL) {
		return "", &FetchError{Kind: FetchBlocked, URL: rawURL, Err: eris.New("disallowed by robots.txt")}
	}

	body, err := f.fetchWithRotation(ctx, rawURL)
	if err == nil {
		return body, nil
	}
	if f.opts.Escalate && f.opts.Assisted != nil && IsBlocking(err) {
		f.log.Warn("escalating to assisted fetch", zap.String("url", rawURL), zap.Error(err))
		return f.opts.Assisted.Fetch(ctx, rawURL)
	}
	return "", err
}

func (f *HTTPFetcher) fetchWithRotation(ctx context.Context, rawURL string) (string, error) {
	body, status, err := f.get(ctx, rawURL, f.identity())
	if err != nil {
		return "", err
	}
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		f.log.Debug("blocked, retrying with new identity", zap.String("url", rawURL), zap.Int("status", status))
		body, status, err = f.get(ctx, rawURL, f.identity())
		if err != nil {
			return "", err
		}
		if status == http.StatusForbidden || status == http.StatusTooManyRequests {
			return "", &FetchError{Kind: FetchBlocked, URL: rawURL, Status: status}
		}
	}
	if status < 200 || status > 299 {
		return "", &FetchError{Kind: FetchHTTPStatus, URL: rawURL, Status: status}
	}
	if marker := f.opts.Detector.Detect(body); marker != "" {
		return "", &FetchError{Kind: FetchAntiBot, URL: rawURL, Marker: marker}
	}
	return body, nil
}

// identity hands out user agents round-robin so a retry always uses a
// different one when more than one is configured.
func (f *HTTPFetcher) identity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ua := f.opts.UserAgents[f.nextUA%len(f.opts.UserAgents)]
	f.nextUA++
	return ua
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL, ua string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, eris.Wrapf(err, "build request %s", rawURL)
	}
	f.setHeaders(req, ua)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, classifyTransportError(rawURL, err)
	}
	return string(data), resp.StatusCode, nil
}

func (f *HTTPFetcher) setHeaders(req *http.Request, ua string) {
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-AU,en;q=0.9")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	if f.opts.BaseURL != "" {
		req.Header.Set("Referer", f.opts.BaseURL+"/")
	}
}

// warmup hits the site root so the cookie jar holds whatever session
// cookies the vendor hands out. Failures are logged and otherwise ignored.
func (f *HTTPFetcher) warmup(ctx context.Context) {
	if f.opts.BaseURL == "" {
		return
	}
	f.mu.Lock()
	due := f.lastWarmup.IsZero() || f.now().Sub(f.lastWarmup) >= f.opts.WarmupInterval
	if due {
		f.lastWarmup = f.now()
	}
	needRobots := f.opts.RespectRobots && !f.robotsDone
	f.mu.Unlock()

	if due {
		if _, status, err := f.get(ctx, f.opts.BaseURL+"/", f.identity()); err != nil {
			f.log.Debug("warm-up failed", zap.Error(err))
		} else if status >= 400 {
			f.log.Debug("warm-up status", zap.Int("status", status))
		}
	}
	if needRobots {
		f.loadRobots(ctx)
	}
}

func (f *HTTPFetcher) loadRobots(ctx context.Context) {
	body, status, err := f.get(ctx, f.opts.BaseURL+"/robots.txt", f.identity())

	f.mu.Lock()
	defer f.mu.Unlock()
	f.robotsDone = true
	if err != nil {
		f.log.Debug("robots.txt unavailable", zap.Error(err))
		return
	}
	data, err := robotstxt.FromStatusAndString(status, body)
	if err != nil {
		f.log.Debug("robots.txt unparseable", zap.Error(err))
		return
	}
	f.robots = data.FindGroup(robotsAgent)
}

func (f *HTTPFetcher) allowed(rawURL string) bool {
	if !f.opts.RespectRobots {
		return true
	}
	f.mu.Lock()
	group := f.robots
	f.mu.Unlock()
	if group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return group.Test(p)
}

func classifyTransportError(rawURL string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &FetchError{Kind: FetchTimeout, URL: rawURL, Err: err}
	}
	return eris.Wrapf(err, "fetch %s", rawURL)
}

// Pacer sleeps a uniformly jittered delay between page fetches.
type Pacer struct {
	Min time.Duration
	Max time.Duration
}

func (p Pacer) Delay() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + rand.N(p.Max-p.Min)
}

// Wait blocks for one politeness delay or until ctx is done.
func (p Pacer) Wait(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetcherMux routes a URL to the fetcher registered for its host, so detail
// pages reuse the vendor's warmed-up session.
type FetcherMux struct {
	byHost   map[string]Fetcher
	fallback Fetcher
}

func NewFetcherMux(fallback Fetcher) *FetcherMux {
	return &FetcherMux{byHost: make(map[string]Fetcher), fallback: fallback}
}

func (m *FetcherMux) Handle(baseURL string, f Fetcher) {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		m.byHost[bareHost(u.Hostname())] = f
	}
}

func (m *FetcherMux) Fetch(ctx context.Context, rawURL string) (string, error) {
	if u, err := url.Parse(rawURL); err == nil {
		if f, ok := m.byHost[bareHost(u.Hostname())]; ok {
			return f.Fetch(ctx, rawURL)
		}
	}
	if m.fallback == nil {
		return "", &FetchError{Kind: FetchBlocked, URL: rawURL, Err: eris.New("no fetcher for host")}
	}
	return m.fallback.Fetch(ctx, rawURL)
}
