package scraper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

type BrowserOptions struct {
	ProfileDir string
	Headless   bool
	// Assist pauses after navigation until a line is read from Prompt so an
	// operator can clear a challenge in the visible window.
	Assist   bool
	Prompt   io.Reader
	Out      io.Writer
	Timeout  time.Duration
	Locale   string
	Timezone string
	Detector *ChallengeDetector
}

// BrowserFetcher is an AssistedFetcher backed by a persistent Chromium
// profile, so cookies and cleared challenges survive between runs.
type BrowserFetcher struct {
	opts BrowserOptions
	log  *zap.Logger

	mu          sync.Mutex
	pw          *playwright.Playwright
	context     playwright.BrowserContext
	initialized bool
}

func NewBrowserFetcher(opts BrowserOptions) *BrowserFetcher {
	if opts.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		opts.ProfileDir = filepath.Join(home, ".rideradar", "pw-profile")
	}
	opts.ProfileDir = expandHome(opts.ProfileDir)
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Locale == "" {
		opts.Locale = "en-AU"
	}
	if opts.Timezone == "" {
		opts.Timezone = "Australia/Brisbane"
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Detector == nil {
		opts.Detector = NewChallengeDetector()
	}
	return &BrowserFetcher{
		opts: opts,
		log:  zap.L().With(zap.String("component", "browser")),
	}
}

func (b *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := b.ensureBrowser(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	page, err := b.newPage()
	if err != nil {
		return "", err
	}
	defer page.Close()

	b.log.Info("navigating", zap.String("url", url))
	_, err = page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.log.Warn("navigation error (continuing)", zap.Error(err))
	}

	b.humanDelay(800, 1600)
	b.handleConsent(page)

	if b.opts.Assist {
		b.waitForOperator(ctx)
	}

	content, err := page.Content()
	if err != nil {
		return "", eris.Wrapf(err, "read content %s", url)
	}
	if marker := b.opts.Detector.Detect(content); marker != "" {
		return "", &FetchError{Kind: FetchAntiBot, URL: url, Marker: marker}
	}
	return content, nil
}

// newPage must be called with mu held. Close may have run since
// ensureBrowser returned.
func (b *BrowserFetcher) newPage() (playwright.Page, error) {
	if !b.initialized || b.context == nil {
		return nil, ErrBrowserClosed
	}
	page, err := b.context.NewPage()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create page")
	}
	return page, nil
}

func (b *BrowserFetcher) waitForOperator(ctx context.Context) {
	fmt.Fprintln(b.opts.Out, "Manual assist: make sure listings are visible (dismiss banners and challenges), then press ENTER...")
	done := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(b.opts.Prompt).ReadString('\n')
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (b *BrowserFetcher) ensureBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	var err error
	b.pw, err = playwright.Run()
	if err != nil {
		return eris.Wrap(err, "failed to start playwright")
	}

	b.context, err = b.pw.Chromium.LaunchPersistentContext(b.opts.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:   playwright.Bool(b.opts.Headless),
		Locale:     playwright.String(b.opts.Locale),
		TimezoneId: playwright.String(b.opts.Timezone),
		Viewport:   &playwright.Size{Width: 1280, Height: 800},
		SlowMo:     playwright.Float(50),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
		},
	})
	if err != nil {
		_ = b.pw.Stop()
		return eris.Wrap(err, "failed to launch browser")
	}

	b.initialized = true
	return nil
}

func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.context != nil {
		_ = b.context.Close()
		b.context = nil
	}
	if b.pw != nil {
		_ = b.pw.Stop()
		b.pw = nil
	}
	b.initialized = false
}

func (b *BrowserFetcher) humanDelay(minMs, maxMs int) {
	delay := minMs + rand.IntN(maxMs-minMs)
	time.Sleep(time.Duration(delay) * time.Millisecond)
}

var consentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#didomi-notice-agree-button",
	"button[id*='accept']",
	"button[class*='consent']",
	"button:has-text('Accept All')",
	"button:has-text('Accept')",
	"button:has-text('I Agree')",
	"button:has-text('Got it')",
}

func (b *BrowserFetcher) handleConsent(page playwright.Page) {
	for _, selector := range consentSelectors {
		btn := page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			b.log.Debug("clicking consent button", zap.String("selector", selector))
			if err := btn.Click(); err == nil {
				page.WaitForTimeout(1000)
			}
			return
		}
	}
}

// expandHome resolves a leading ~ in profile paths taken from env/config.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
