package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fixprice-etl/internal/browser"
	"github.com/maltedev/fixprice-etl/internal/models"
	"github.com/maltedev/fixprice-etl/internal/parser"
)

const base = "https://fix-price.com"

type fakeLoader struct {
	mu       sync.Mutex
	pages    map[string]string
	errs     map[string]error
	calls    []string
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeLoader) Load(ctx context.Context, url, _ string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, url)
	html, ok := f.pages[url]
	err := f.errs[url]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &browser.StatusError{URL: url, Status: 404}
	}
	return html, nil
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestExtractor(loader PageLoader, concurrency int) *Extractor {
	return New(loader, parser.NewCatalogParser(), Options{
		BaseURL:     base,
		CatalogURL:  base + "/catalog",
		Concurrency: concurrency,
	})
}

func listingHTML(ids []int, next bool) string {
	var b strings.Builder
	b.WriteString("<div class=\"catalog\">")
	for _, id := range ids {
		fmt.Fprintf(&b, `<div class="product-card"><a href="/catalog/dom/product/%d">p%d</a></div>`, id, id)
	}
	if next {
		b.WriteString(`<a rel="next" href="?page=next">›</a>`)
	}
	b.WriteString("</div>")
	return b.String()
}

func productHTML(title string) string {
	return fmt.Sprintf(`<h1>%s</h1><span class="price-current">99 ₽</span>`, title)
}

func seq(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestDiscoverCategories(t *testing.T) {
	loader := newFakeLoader()
	loader.pages[base+"/catalog"] = `<main><a href="/catalog/dom">Дом</a><a href="/catalog/sad">Сад</a></main>`

	categories, err := newTestExtractor(loader, 1).DiscoverCategories(context.Background())
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "https://fix-price.com/catalog/sad", categories[1].URL)
}

func TestDiscoverCategoriesFetchFailure(t *testing.T) {
	loader := newFakeLoader()

	_, err := newTestExtractor(loader, 1).DiscoverCategories(context.Background())
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 404, fe.Status)
	assert.Equal(t, base+"/catalog", fe.URL)
}

func TestDiscoverProductURLs(t *testing.T) {
	category := base + "/catalog/dom"

	tests := []struct {
		name      string
		pages     map[string]string
		maxPages  int
		wantCount int
		wantCalls int
	}{
		{
			name: "Short page without next link ends pagination",
			pages: map[string]string{
				category: listingHTML(seq(1, 5), false),
			},
			wantCount: 5,
			wantCalls: 1,
		},
		{
			name: "Full pages continue until empty page",
			pages: map[string]string{
				category:             listingHTML(seq(1, 12), false),
				category + "?page=2": listingHTML(seq(13, 24), false),
				category + "?page=3": listingHTML(nil, false),
			},
			wantCount: 24,
			wantCalls: 3,
		},
		{
			name: "Next link continues short pages",
			pages: map[string]string{
				category:             listingHTML(seq(1, 3), true),
				category + "?page=2": listingHTML(seq(4, 5), false),
			},
			wantCount: 5,
			wantCalls: 2,
		},
		{
			name: "Max pages caps pagination",
			pages: map[string]string{
				category:             listingHTML(seq(1, 12), true),
				category + "?page=2": listingHTML(seq(13, 24), true),
				category + "?page=3": listingHTML(seq(25, 36), true),
			},
			maxPages:  2,
			wantCount: 24,
			wantCalls: 2,
		},
		{
			name: "Later page failure keeps gathered links",
			pages: map[string]string{
				category: listingHTML(seq(1, 12), true),
			},
			wantCount: 12,
			wantCalls: 2,
		},
		{
			name: "Duplicates across pages are dropped",
			pages: map[string]string{
				category:             listingHTML(seq(1, 12), false),
				category + "?page=2": listingHTML(seq(7, 14), false),
			},
			wantCount: 14,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := newFakeLoader()
			loader.pages = tt.pages

			urls, err := newTestExtractor(loader, 1).DiscoverProductURLs(context.Background(), category, tt.maxPages)
			require.NoError(t, err)
			assert.Len(t, urls, tt.wantCount)
			assert.Equal(t, tt.wantCalls, loader.callCount())
		})
	}
}

func TestDiscoverProductURLsFirstPageFailure(t *testing.T) {
	loader := newFakeLoader()
	category := base + "/catalog/dom"
	loader.errs[category] = errors.New("net::ERR_CONNECTION_RESET")

	urls, err := newTestExtractor(loader, 1).DiscoverProductURLs(context.Background(), category, 0)
	require.Error(t, err)
	assert.Nil(t, urls)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.Status)
	assert.Contains(t, err.Error(), "ERR_CONNECTION_RESET")
}

func TestListingPageURL(t *testing.T) {
	assert.Equal(t, base+"/catalog/dom", listingPageURL(base+"/catalog/dom", 1))
	assert.Equal(t, base+"/catalog/dom?page=3", listingPageURL(base+"/catalog/dom", 3))
	assert.Equal(t, base+"/catalog/dom?sort=price&page=2", listingPageURL(base+"/catalog/dom?sort=price", 2))
}

func TestFetchProduct(t *testing.T) {
	loader := newFakeLoader()
	good := base + "/catalog/dom/product/1"
	notProduct := base + "/catalog/dom/product/2"
	loader.pages[good] = productHTML("Кружка")
	loader.pages[notProduct] = `<div>Страница не найдена</div>`

	e := newTestExtractor(loader, 1)

	product, err := e.FetchProduct(context.Background(), good)
	require.NoError(t, err)
	require.NotNil(t, product)
	assert.Equal(t, "Кружка", product.Title)
	assert.Equal(t, 99.0, product.Price)

	product, err = e.FetchProduct(context.Background(), notProduct)
	require.NoError(t, err)
	assert.Nil(t, product)

	_, err = e.FetchProduct(context.Background(), base+"/catalog/dom/product/missing")
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
}

func TestFetchProductsBatch(t *testing.T) {
	loader := newFakeLoader()
	loader.delay = 20 * time.Millisecond

	var urls []string
	for i := 1; i <= 10; i++ {
		url := fmt.Sprintf("%s/catalog/dom/product/%d", base, i)
		urls = append(urls, url)
		switch i {
		case 3:
			loader.errs[url] = errors.New("timeout")
		case 7:
			loader.pages[url] = `<div>no title</div>`
		default:
			loader.pages[url] = productHTML(fmt.Sprintf("Товар %d", i))
		}
	}

	var progressCalls atomic.Int32
	var lastDone atomic.Int32
	e := newTestExtractor(loader, 3).WithProgress(func(done, total int) {
		progressCalls.Add(1)
		assert.Equal(t, 10, total)
		if int32(done) > lastDone.Load() {
			lastDone.Store(int32(done))
		}
	})

	products := e.FetchProductsBatch(context.Background(), urls)

	require.Len(t, products, 8)
	assert.Equal(t, "Товар 1", products[0].Title)
	assert.Equal(t, "Товар 2", products[1].Title)
	assert.Equal(t, "Товар 4", products[2].Title)
	assert.Equal(t, "Товар 10", products[7].Title)

	assert.Equal(t, int32(10), progressCalls.Load())
	assert.Equal(t, int32(10), lastDone.Load())
	assert.LessOrEqual(t, loader.maxSeen.Load(), int32(3))
	assert.Equal(t, 10, loader.callCount())
}

func TestFetchProductsBatchCancelled(t *testing.T) {
	loader := newFakeLoader()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	products := newTestExtractor(loader, 2).FetchProductsBatch(ctx, []string{base + "/a", base + "/b"})
	assert.Empty(t, products)
}

type panickingLoader struct {
	*fakeLoader
	panicOn string
}

func (p *panickingLoader) Load(ctx context.Context, url, ready string) (string, error) {
	if url == p.panicOn {
		panic("page handler crashed")
	}
	return p.fakeLoader.Load(ctx, url, ready)
}

func TestFetchProductsBatchSurvivesPanic(t *testing.T) {
	inner := newFakeLoader()
	var urls []string
	for i := 1; i <= 3; i++ {
		url := fmt.Sprintf("%s/catalog/dom/product/%d", base, i)
		urls = append(urls, url)
		inner.pages[url] = productHTML(fmt.Sprintf("Товар %d", i))
	}
	loader := &panickingLoader{fakeLoader: inner, panicOn: urls[1]}

	var progressCalls atomic.Int32
	e := newTestExtractor(loader, 2).WithProgress(func(int, int) { progressCalls.Add(1) })

	var products []*models.Product
	require.NotPanics(t, func() {
		products = e.FetchProductsBatch(context.Background(), urls)
	})

	require.Len(t, products, 2)
	assert.Equal(t, "Товар 1", products[0].Title)
	assert.Equal(t, "Товар 3", products[1].Title)
	assert.Equal(t, int32(3), progressCalls.Load())
}

type brokenProductParser struct {
	parser.Parser
}

func (brokenProductParser) Product(string, string) (*models.Product, error) {
	return nil, errors.New("malformed document")
}

func TestFetchProductParseFailureIsNotAnError(t *testing.T) {
	loader := newFakeLoader()
	url := base + "/catalog/dom/product/1"
	loader.pages[url] = productHTML("Кружка")

	e := New(loader, brokenProductParser{Parser: parser.NewCatalogParser()}, Options{BaseURL: base})

	product, err := e.FetchProduct(context.Background(), url)
	require.NoError(t, err)
	assert.Nil(t, product)

	assert.Empty(t, e.FetchProductsBatch(context.Background(), []string{url}))
}
