package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fixprice-etl/internal/models"
)

type fakeExtractor struct {
	categories  []models.Category
	categoryErr error
	urls        map[string][]string
	urlErrs     map[string]error
	products    map[string]*models.Product

	mu      sync.Mutex
	batches [][]string
	scanned []string
}

func (f *fakeExtractor) DiscoverCategories(context.Context) ([]models.Category, error) {
	return f.categories, f.categoryErr
}

func (f *fakeExtractor) DiscoverProductURLs(_ context.Context, categoryURL string, _ int) ([]string, error) {
	f.mu.Lock()
	f.scanned = append(f.scanned, categoryURL)
	f.mu.Unlock()
	return f.urls[categoryURL], f.urlErrs[categoryURL]
}

func (f *fakeExtractor) FetchProductsBatch(_ context.Context, urls []string) []*models.Product {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), urls...))
	f.mu.Unlock()

	var out []*models.Product
	for _, u := range urls {
		if p, ok := f.products[u]; ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeLoader struct {
	healthy bool
	reject  map[string]bool
	loaded  []*models.Product
}

func (f *fakeLoader) HealthCheck(context.Context) bool { return f.healthy }

func (f *fakeLoader) ProcessProductsBatch(_ context.Context, products []*models.Product) (int, int) {
	f.loaded = append(f.loaded, products...)
	success := 0
	for _, p := range products {
		if f.reject[p.SourceURL] {
			p.AddError("rejected")
			continue
		}
		p.UploadedToAPI = true
		p.APIProductID = "api-" + p.SourceID
		success++
	}
	return success, len(products) - success
}

type fakeSink struct {
	name  string
	err   error
	saved []*models.RunResult
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Save(_ context.Context, result *models.RunResult) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, result)
	return nil
}

func product(id, category string, price float64) *models.Product {
	p := models.NewProduct("https://fix-price.com/catalog/product/" + id)
	p.SourceID = id
	p.Title = "Товар " + id
	p.Price = price
	p.Category = category
	return p
}

// twoCategoryFixture has four products in two categories, two each.
func twoCategoryFixture() *fakeExtractor {
	ext := &fakeExtractor{
		categories: []models.Category{
			{Name: "Дом", URL: "https://fix-price.com/catalog/dom"},
			{Name: "Кухня", URL: "https://fix-price.com/catalog/kukhnya"},
		},
		urls:     map[string][]string{},
		urlErrs:  map[string]error{},
		products: map[string]*models.Product{},
	}
	for i, cat := range ext.categories {
		for j := 0; j < 2; j++ {
			p := product(fmt.Sprintf("%d%d", i+1, j+1), cat.Name, 99)
			ext.urls[cat.URL] = append(ext.urls[cat.URL], p.SourceURL)
			ext.products[p.SourceURL] = p
		}
	}
	return ext
}

func TestRunEndToEnd(t *testing.T) {
	ext := twoCategoryFixture()
	loader := &fakeLoader{healthy: true}
	store := &fakeSink{name: "file"}

	p := New(ext, loader, store, Options{SamplePercent: 50, BatchSize: 3})
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	stats := p.Stats()
	assert.Equal(t, 2, stats.CategoriesFound)
	assert.Equal(t, 4, stats.ProductsFound)
	assert.Equal(t, 4, stats.ProductsParsed)
	assert.Equal(t, 2, stats.ProductsFiltered)
	assert.Equal(t, 2, stats.ProductsUploaded)
	assert.Equal(t, 0, stats.ProductsFailed)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.NotNil(t, stats.DurationSeconds)
	assert.Equal(t, PhaseDone, p.Phase())

	assert.Equal(t, [][]string{
		{
			"https://fix-price.com/catalog/product/11",
			"https://fix-price.com/catalog/product/12",
			"https://fix-price.com/catalog/product/21",
		},
		{"https://fix-price.com/catalog/product/22"},
	}, ext.batches)

	require.Len(t, store.saved, 1)
	require.Len(t, result.Products, 2)
	assert.Equal(t, "Товар 11", result.Products[0].Title)
	assert.Equal(t, "Товар 21", result.Products[1].Title)
	assert.True(t, result.Products[0].Uploaded)
	assert.Equal(t, "api-11", result.Products[0].APIProductID)
}

func TestRunDeduplicatesURLsAcrossCategories(t *testing.T) {
	ext := twoCategoryFixture()
	shared := "https://fix-price.com/catalog/product/11"
	ext.urls["https://fix-price.com/catalog/kukhnya"] = append(ext.urls["https://fix-price.com/catalog/kukhnya"], shared)

	p := New(ext, &fakeLoader{healthy: true}, &fakeSink{name: "file"}, Options{SamplePercent: 100, BatchSize: 10})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, p.Stats().ProductsFound)
	require.Len(t, ext.batches, 1)
	assert.Len(t, ext.batches[0], 4)
}

func TestRunCategoryLimit(t *testing.T) {
	ext := twoCategoryFixture()

	p := New(ext, &fakeLoader{healthy: true}, &fakeSink{name: "file"}, Options{SamplePercent: 100, CategoriesLimit: 1})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"https://fix-price.com/catalog/dom"}, ext.scanned)
	assert.Equal(t, 2, p.Stats().CategoriesFound)
	assert.Equal(t, 2, p.Stats().ProductsFound)
}

func TestRunCategoryFailureIsRecorded(t *testing.T) {
	ext := twoCategoryFixture()
	ext.urlErrs["https://fix-price.com/catalog/dom"] = errors.New("navigation timeout")
	ext.urls["https://fix-price.com/catalog/dom"] = nil

	p := New(ext, &fakeLoader{healthy: true}, &fakeSink{name: "file"}, Options{SamplePercent: 100})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.ProductsFound)
	assert.Equal(t, 2, stats.ProductsUploaded)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "Дом", stats.Errors[0].Category)
	assert.Equal(t, "extract", stats.Errors[0].Phase)
	assert.Contains(t, stats.Errors[0].Error, "navigation timeout")
}

func TestRunCategoryDiscoveryFailureAborts(t *testing.T) {
	ext := &fakeExtractor{categoryErr: errors.New("catalog unreachable")}
	store := &fakeSink{name: "file"}

	p := New(ext, &fakeLoader{healthy: true}, store, Options{})
	result, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog unreachable")
	assert.Nil(t, result)
	assert.Empty(t, store.saved)
	assert.Equal(t, PhaseFailed, p.Phase())
	assert.Len(t, p.Stats().Errors, 1)
}

func TestRunExtractionOnlyWhenAPIUnhealthy(t *testing.T) {
	ext := twoCategoryFixture()
	loader := &fakeLoader{healthy: false}
	store := &fakeSink{name: "file"}

	p := New(ext, loader, store, Options{SamplePercent: 100})
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, loader.loaded)
	assert.Equal(t, 4, p.Stats().ProductsFiltered)
	assert.Equal(t, 0, p.Stats().ProductsUploaded)
	require.Len(t, store.saved, 1)
	for _, r := range result.Products {
		assert.False(t, r.Uploaded)
	}
}

func TestRunRejectsInvalidProducts(t *testing.T) {
	ext := twoCategoryFixture()
	bad := ext.products["https://fix-price.com/catalog/product/11"]
	bad.Title = "X"
	loader := &fakeLoader{healthy: true}

	p := New(ext, loader, &fakeSink{name: "file"}, Options{SamplePercent: 100})
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, p.Stats().ProductsFiltered)
	assert.Len(t, loader.loaded, 3)
	require.Len(t, result.Products, 4)
	assert.Equal(t, []string{"invalid title"}, result.Products[0].Errors)
	assert.False(t, result.Products[0].Uploaded)
}

func TestRunCountsLoadFailures(t *testing.T) {
	ext := twoCategoryFixture()
	loader := &fakeLoader{healthy: true, reject: map[string]bool{
		"https://fix-price.com/catalog/product/12": true,
	}}

	p := New(ext, loader, &fakeSink{name: "file"}, Options{SamplePercent: 100})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 3, stats.ProductsUploaded)
	assert.Equal(t, 1, stats.ProductsFailed)
	assert.Equal(t, stats.ProductsFiltered, stats.ProductsUploaded+stats.ProductsFailed)
	assert.Equal(t, 75.0, stats.SuccessRate)
}

func TestRunSkipsReportWhenNothingExtracted(t *testing.T) {
	ext := &fakeExtractor{categories: []models.Category{{Name: "Пусто", URL: "https://fix-price.com/catalog/empty"}}}
	store := &fakeSink{name: "file"}

	p := New(ext, &fakeLoader{healthy: true}, store, Options{})
	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Nil(t, result)
	assert.Empty(t, store.saved)
	assert.Equal(t, PhaseDone, p.Phase())
}

func TestRunStoreFailureFailsRun(t *testing.T) {
	ext := twoCategoryFixture()
	store := &fakeSink{name: "file", err: errors.New("disk full")}

	p := New(ext, &fakeLoader{healthy: true}, store, Options{SamplePercent: 100})
	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, PhaseFailed, p.Phase())
}

func TestRunOptionalSinkFailureIsTolerated(t *testing.T) {
	ext := twoCategoryFixture()
	store := &fakeSink{name: "file"}
	broken := &fakeSink{name: "postgres", err: errors.New("connection refused")}
	ok := &fakeSink{name: "events"}

	p := New(ext, &fakeLoader{healthy: true}, store, Options{SamplePercent: 100}, broken, ok)
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, store.saved, 1)
	assert.Len(t, ok.saved, 1)
}

func TestRunCancelledSkipsLoad(t *testing.T) {
	ext := twoCategoryFixture()
	loader := &fakeLoader{healthy: true}
	store := &fakeSink{name: "file"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(ext, loader, store, Options{SamplePercent: 100})
	_, err := p.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, loader.loaded)
	assert.Equal(t, PhaseFailed, p.Phase())
}

func TestSampleByCategory(t *testing.T) {
	makeProducts := func(n int, category string) []*models.Product {
		out := make([]*models.Product, n)
		for i := range out {
			out[i] = product(fmt.Sprintf("%s-%d", category, i), category, 10)
		}
		return out
	}
	ids := func(products []*models.Product) []string {
		out := make([]string, len(products))
		for i, p := range products {
			out[i] = p.SourceID
		}
		return out
	}

	tests := []struct {
		name    string
		input   []*models.Product
		percent int
		want    []string
	}{
		{
			name:    "half keeps even indices",
			input:   makeProducts(5, "a"),
			percent: 50,
			want:    []string{"a-0", "a-2", "a-4"},
		},
		{
			name:    "single product is kept",
			input:   makeProducts(1, "a"),
			percent: 50,
			want:    []string{"a-0"},
		},
		{
			name:    "empty input",
			input:   nil,
			percent: 50,
			want:    []string{},
		},
		{
			name:    "full rate keeps everything",
			input:   makeProducts(3, "a"),
			percent: 100,
			want:    []string{"a-0", "a-1", "a-2"},
		},
		{
			name:    "quarter spreads evenly",
			input:   makeProducts(8, "a"),
			percent: 25,
			want:    []string{"a-0", "a-4"},
		},
		{
			name:    "categories keep first appearance order",
			input:   append(append(makeProducts(2, "b"), makeProducts(3, "a")...), makeProducts(2, "b")[1:]...),
			percent: 50,
			want:    []string{"b-0", "b-1", "a-0", "a-2"},
		},
		{
			name:    "out of range percent is clamped",
			input:   makeProducts(3, "a"),
			percent: 250,
			want:    []string{"a-0", "a-1", "a-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(SampleByCategory(tt.input, tt.percent)))
		})
	}
}

func TestSampleByCategoryCounts(t *testing.T) {
	for _, n := range []int{1, 2, 7, 10, 33, 100} {
		for _, pct := range []int{1, 10, 33, 50, 75, 100} {
			products := make([]*models.Product, n)
			for i := range products {
				products[i] = product(fmt.Sprint(i), "a", 1)
			}
			want := (n*pct + 99) / 100
			assert.Len(t, SampleByCategory(products, pct), want, "n=%d p=%d", n, pct)
		}
	}
}

func TestSampleByCategoryGroupsUncategorized(t *testing.T) {
	products := []*models.Product{
		product("1", "", 1),
		product("2", "Дом", 1),
		product("3", "", 1),
		product("4", "", 1),
	}

	got := SampleByCategory(products, 50)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].SourceID)
	assert.Equal(t, "4", got[1].SourceID)
	assert.Equal(t, "2", got[2].SourceID)
}
