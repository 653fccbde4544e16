package parser

import (
	"github.com/maltedev/fixprice-etl/internal/models"
)

// Parser turns rendered catalog HTML into domain values.
type Parser interface {
	Categories(html, baseURL string) ([]models.Category, error)
	ProductLinks(html, baseURL string) ([]string, error)
	HasNextPage(html string) (bool, error)
	Product(html, pageURL string) (*models.Product, error)
}

// Selectors used against the catalog markup. Each is a comma-separated
// group; the first match in document order wins.
const (
	SelectorCategoryLinks = `a[href*="/catalog/"]`
	SelectorProductLinks  = `a[href*="/product/"], a.product-link`
	SelectorNextPage      = `a[rel="next"], .next-page`

	SelectorTitle       = `h1, .product-detail h1, .product-info h1`
	SelectorDescription = `.product-description, .description, [itemprop="description"]`
	SelectorPrice       = `.price-current, .product-price, [data-price]`
	SelectorOldPrice    = `.price-old, .old-price, .compare-price`
	SelectorOutOfStock  = `.out-of-stock, .unavailable, [data-available="false"]`
	SelectorSKU         = `.sku, .article, [data-sku]`
	SelectorBreadcrumbs = `.breadcrumb a, .breadcrumbs a, [itemprop="itemListElement"] a`

	SelectorSpecs     = `.product-specs, .specifications, .product-attributes`
	SelectorSpecRow   = `.spec-row, .attribute-row, tr`
	SelectorSpecName  = `.spec-name, .attribute-name, td:first-child`
	SelectorSpecValue = `.spec-value, .attribute-value, td:last-child`
)

// Ready selectors the page loader waits for before reading the DOM.
const (
	ReadyCatalog = `.catalog-categories, .category-list, main`
	ReadyListing = `.product-card, .catalog-item, [data-product-id]`
	ReadyProduct = `h1, .product-title`
)

const outOfStockText = "нет в наличии"

var imageSelectors = []string{
	".product-image img",
	".gallery-image img",
	".product-gallery img",
	"[data-src]",
	".swiper-slide img",
	".product-photos img",
}

var imageAttributes = []string{"data-src", "data-original", "src", "data-lazy"}

var homeCrumbs = map[string]bool{"главная": true, "home": true}
