package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/fixprice-etl/internal/ratelimit"
)

// stealthScript hides the most common automation fingerprints before any
// page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['ru-RU', 'ru', 'en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = { runtime: {} };
`

const (
	readyWaitTimeout = 10 * time.Second
	settleDelay      = time.Second
	scrollCycles     = 3
	scrollPause      = 500 * time.Millisecond
	scrollTopPause   = 300 * time.Millisecond
)

type Browser struct {
	pw        *playwright.Playwright
	browser   playwright.Browser
	context   playwright.BrowserContext
	userAgent string
	logger    *slog.Logger
}

type Options struct {
	BrowserType       string
	Headless          bool
	Timeout           time.Duration
	NavigationTimeout time.Duration
	UserAgents        []string
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	ProxyServer       string
	Logger            *slog.Logger
}

func DefaultOptions() *Options {
	return &Options{
		BrowserType:       "chromium",
		Headless:          true,
		Timeout:           30 * time.Second,
		NavigationTimeout: 30 * time.Second,
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "ru-RU,ru;q=0.9,en;q=0.8",
		TimezoneID:     "Europe/Moscow",
		Locale:         "ru-RU",
	}
}

// New starts the playwright driver and opens one browser context that is
// shared by every page load of the run.
func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browserType, err := selectBrowserType(pw, opts.BrowserType)
	if err != nil {
		pw.Stop()
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	}
	if browserType == pw.Chromium {
		launchOpts.Args = []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		}
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := browserType.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch %s: %w", opts.BrowserType, err)
	}

	userAgent := pickUserAgent(opts.UserAgents)
	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &userAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: map[string]string{
			"Accept-Language": opts.AcceptLanguage,
		},
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	bctx.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))
	bctx.SetDefaultNavigationTimeout(float64(opts.NavigationTimeout.Milliseconds()))

	logger = logger.With("component", "browser")
	logger.Info("browser started", "type", opts.BrowserType, "headless", opts.Headless, "user_agent", userAgent)

	return &Browser{
		pw:        pw,
		browser:   browser,
		context:   bctx,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

func selectBrowserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch name {
	case "", "chromium":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit":
		return pw.WebKit, nil
	default:
		return nil, fmt.Errorf("unsupported browser type %q", name)
	}
}

func pickUserAgent(agents []string) string {
	if len(agents) == 0 {
		return DefaultOptions().UserAgents[0]
	}
	return agents[rand.Intn(len(agents))]
}

// randomHeaders varies a few request headers per page so consecutive loads
// do not look identical.
func randomHeaders() map[string]string {
	accepts := []string{
		"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	}
	languages := []string{
		"ru-RU,ru;q=0.9,en;q=0.8",
		"ru-RU,ru;q=0.9",
		"ru,en-US;q=0.9,en;q=0.8",
	}
	return map[string]string{
		"Accept":          accepts[rand.Intn(len(accepts))],
		"Accept-Language": languages[rand.Intn(len(languages))],
		"DNT":             "1",
		"Cache-Control":   "max-age=0",
	}
}

func (b *Browser) UserAgent() string {
	return b.userAgent
}

// Load renders url in a fresh page and returns the resulting HTML. It waits
// for readySelector when given, scrolls to trigger lazy content and always
// closes the page.
func (b *Browser) Load(ctx context.Context, url, readySelector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	page, err := b.context.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create new page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			b.logger.Debug("failed to close page", "url", url, "error", cerr)
		}
	}()

	if err := page.SetExtraHTTPHeaders(randomHeaders()); err != nil {
		return "", fmt.Errorf("failed to set headers: %w", err)
	}

	script := stealthScript
	if err := page.AddInitScript(playwright.Script{Content: &script}); err != nil {
		return "", fmt.Errorf("failed to add init script: %w", err)
	}

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	})
	if err != nil {
		return "", fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	if resp == nil {
		return "", &StatusError{URL: url}
	}
	if status := resp.Status(); status >= 400 {
		return "", &StatusError{URL: url, Status: status}
	}

	if readySelector != "" {
		err := page.Locator(readySelector).First().WaitFor(playwright.LocatorWaitForOptions{
			Timeout: playwright.Float(float64(readyWaitTimeout.Milliseconds())),
		})
		if err != nil {
			b.logger.Debug("ready selector not found, continuing", "url", url, "selector", readySelector)
			if err := ratelimit.Pause(ctx, settleDelay); err != nil {
				return "", err
			}
		}
	} else if err := ratelimit.Pause(ctx, settleDelay); err != nil {
		return "", err
	}

	if err := b.scroll(ctx, page); err != nil {
		return "", err
	}

	html, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read content of %s: %w", url, err)
	}
	return html, nil
}

func (b *Browser) scroll(ctx context.Context, page playwright.Page) error {
	for i := 0; i < scrollCycles; i++ {
		if _, err := page.Evaluate(`window.scrollBy(0, window.innerHeight)`); err != nil {
			b.logger.Debug("scroll failed", "error", err)
			return nil
		}
		if err := ratelimit.Pause(ctx, scrollPause); err != nil {
			return err
		}
	}
	if _, err := page.Evaluate(`window.scrollTo(0, 0)`); err != nil {
		b.logger.Debug("scroll to top failed", "error", err)
		return nil
	}
	return ratelimit.Pause(ctx, scrollTopPause)
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

// StatusError is returned when navigation produced no response or an HTTP
// error status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("no response from %s", e.URL)
	}
	return fmt.Sprintf("http status %d from %s", e.Status, e.URL)
}
