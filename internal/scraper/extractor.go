package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maltedev/fixprice-etl/internal/metrics"
	"github.com/maltedev/fixprice-etl/internal/models"
	"github.com/maltedev/fixprice-etl/internal/parser"
	"github.com/maltedev/fixprice-etl/internal/ratelimit"
)

type Options struct {
	BaseURL      string
	CatalogURL   string
	Concurrency  int
	RequestDelay time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Extractor discovers categories and product URLs on the source site and
// turns product pages into models.Product values. Product page fetches are
// bounded by a gate of Options.Concurrency slots.
type Extractor struct {
	loader     PageLoader
	parser     parser.Parser
	baseURL    string
	catalogURL string
	gate       *semaphore.Weighted
	delay      *ratelimit.FixedDelay
	progress   ProgressFunc
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(loader PageLoader, p parser.Parser, opts Options) *Extractor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		loader:     loader,
		parser:     p,
		baseURL:    opts.BaseURL,
		catalogURL: opts.CatalogURL,
		gate:       semaphore.NewWeighted(int64(opts.Concurrency)),
		delay:      ratelimit.NewFixedDelay(opts.RequestDelay),
		logger:     logger.With("component", "extractor"),
		metrics:    opts.Metrics,
	}
}

// WithProgress registers a callback invoked as batch fetches complete.
func (e *Extractor) WithProgress(fn ProgressFunc) *Extractor {
	e.progress = fn
	return e
}

func (e *Extractor) load(ctx context.Context, kind, url, readySelector string) (string, error) {
	start := time.Now()
	html, err := e.loader.Load(ctx, url, readySelector)
	e.metrics.ObservePage(kind, time.Since(start), err)
	if err != nil {
		e.metrics.IncError("fetch")
		return "", newFetchError(url, err)
	}
	return html, nil
}

// DiscoverCategories reads the catalog root and returns its categories.
func (e *Extractor) DiscoverCategories(ctx context.Context) ([]models.Category, error) {
	e.logger.Info("discovering categories", "url", e.catalogURL)

	html, err := e.load(ctx, "catalog", e.catalogURL, parser.ReadyCatalog)
	if err != nil {
		return nil, err
	}

	categories, err := e.parser.Categories(html, e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	e.logger.Info("categories discovered", "count", len(categories))
	return categories, nil
}

// DiscoverProductURLs walks the listing pages of a category. Pagination stops
// on an empty page, on a short page without a next link, or after maxPages
// pages when maxPages is positive. A failure on the first page is returned;
// a failure on a later page ends pagination with what was gathered so far.
func (e *Extractor) DiscoverProductURLs(ctx context.Context, categoryURL string, maxPages int) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)

	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		pageURL := listingPageURL(categoryURL, page)

		html, err := e.load(ctx, "listing", pageURL, parser.ReadyListing)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			e.logger.Warn("listing page failed, stopping pagination", "url", pageURL, "page", page, "error", err)
			break
		}

		links, err := e.parser.ProductLinks(html, e.baseURL)
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("failed to parse listing %s: %w", pageURL, err)
			}
			e.logger.Warn("listing page unreadable, stopping pagination", "url", pageURL, "error", err)
			break
		}
		if len(links) == 0 {
			e.logger.Debug("empty listing page", "url", pageURL, "page", page)
			break
		}

		for _, link := range links {
			if !seen[link] {
				seen[link] = true
				urls = append(urls, link)
			}
		}
		e.logger.Debug("listing page read", "url", pageURL, "page", page, "links", len(links))

		hasNext, err := e.parser.HasNextPage(html)
		if err != nil || (!hasNext && len(links) < listingPageSize) {
			break
		}

		if maxPages > 0 && page >= maxPages {
			break
		}
		if err := e.delay.Wait(ctx); err != nil {
			return urls, err
		}
	}

	e.logger.Info("category scanned", "url", categoryURL, "products", len(urls))
	return urls, nil
}

func listingPageURL(categoryURL string, page int) string {
	if page <= 1 {
		return categoryURL
	}
	sep := "?"
	if strings.Contains(categoryURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", categoryURL, sep, page)
}

// FetchProduct loads and parses a product page. Only navigation failures are
// returned as errors. A nil product with a nil error means the page loaded
// but could not be parsed or did not look like a product.
func (e *Extractor) FetchProduct(ctx context.Context, url string) (*models.Product, error) {
	html, err := e.load(ctx, "product", url, parser.ReadyProduct)
	if err != nil {
		return nil, err
	}

	product, err := e.parser.Product(html, url)
	if err != nil {
		e.metrics.IncError("parse")
		e.logger.Warn("product page unreadable", "url", url, "error", err)
		return nil, nil
	}
	if product == nil {
		e.logger.Warn("product title not found", "url", url)
		return nil, nil
	}
	if product.Price == 0 {
		e.logger.Warn("product price not found, using 0", "url", url)
	}

	e.logger.Debug("product parsed", "url", url, "title", product.Title, "price", product.Price)
	return product, nil
}

// FetchProductsBatch fetches every URL concurrently, at most Concurrency at
// a time. Each fetch holds its slot through the politeness delay that
// follows it. Failures and panics are logged and left out; the result keeps
// the order of urls.
func (e *Extractor) FetchProductsBatch(ctx context.Context, urls []string) []*models.Product {
	results := make([]*models.Product, len(urls))
	var done atomic.Int64
	var wg sync.WaitGroup

	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()

			if err := e.gate.Acquire(ctx, 1); err != nil {
				return
			}
			defer e.gate.Release(1)
			if ctx.Err() != nil {
				return
			}

			results[i] = e.fetchIsolated(ctx, url)

			if e.progress != nil {
				e.progress(int(done.Add(1)), len(urls))
			}

			if err := e.delay.Wait(ctx); err != nil {
				e.logger.Debug("delay interrupted", "error", err)
			}
		}(i, url)
	}
	wg.Wait()

	products := make([]*models.Product, 0, len(urls))
	for _, p := range results {
		if p != nil {
			products = append(products, p)
		}
	}
	return products
}

// fetchIsolated runs FetchProduct for one batch entry and turns a failure or
// panic into a nil result.
func (e *Extractor) fetchIsolated(ctx context.Context, url string) (product *models.Product) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncError("panic")
			e.logger.Error("product fetch panicked", "url", url, "panic", r)
			product = nil
		}
	}()

	p, err := e.FetchProduct(ctx, url)
	if err != nil {
		e.logger.Error("product fetch failed", "url", url, "error", err)
		return nil
	}
	return p
}
