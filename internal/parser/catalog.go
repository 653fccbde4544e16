package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/fixprice-etl/internal/models"
)

var (
	resizePattern    = regexp.MustCompile(`/resize/\d+x\d+/`)
	sizeQueryPattern = regexp.MustCompile(`\?w=\d+&h=\d+`)
)

var _ Parser = (*CatalogParser)(nil)

type CatalogParser struct{}

func NewCatalogParser() *CatalogParser {
	return &CatalogParser{}
}

func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// Categories returns every catalog link with visible text, deduplicated by
// absolute URL in first-seen order.
func (p *CatalogParser) Categories(html, baseURL string) ([]models.Category, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	var categories []models.Category
	seen := make(map[string]bool)

	doc.Find(SelectorCategoryLinks).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		name := cleanText(s.Text())
		if href == "" || name == "" || !strings.Contains(href, "/catalog/") {
			return
		}

		abs := resolveURL(baseURL, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true

		categories = append(categories, models.Category{
			Name:   name,
			URL:    abs,
			Parent: parentName(categories, abs),
			Level:  strings.Count(href, "/") - 1,
		})
	})

	return categories, nil
}

// parentName finds the already known category whose path is the longest
// proper prefix of categoryURL.
func parentName(known []models.Category, categoryURL string) string {
	path := urlPath(categoryURL)
	best, bestLen := "", 0
	for _, c := range known {
		prefix := strings.TrimRight(urlPath(c.URL), "/") + "/"
		if len(prefix) > bestLen && strings.HasPrefix(path, prefix) && path != prefix {
			best, bestLen = c.Name, len(prefix)
		}
	}
	return best
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// ProductLinks returns absolute product URLs found on a listing page,
// deduplicated in page order.
func (p *CatalogParser) ProductLinks(html, baseURL string) ([]string, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	var links []string
	seen := make(map[string]bool)

	doc.Find(SelectorProductLinks).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || !(strings.Contains(href, "/product/") || strings.Contains(href, "/goods/")) {
			return
		}
		abs := resolveURL(baseURL, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})

	return links, nil
}

func (p *CatalogParser) HasNextPage(html string) (bool, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return false, err
	}
	return doc.Find(SelectorNextPage).Length() > 0, nil
}

// Product extracts a product from its detail page. It returns nil without an
// error when the page has no title, which means the page is not a product.
func (p *CatalogParser) Product(html, pageURL string) (*models.Product, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	title := cleanText(doc.Find(SelectorTitle).First().Text())
	if title == "" {
		return nil, nil
	}

	product := models.NewProduct(pageURL)
	product.Title = title
	product.Description = cleanText(doc.Find(SelectorDescription).First().Text())

	if price, ok := priceFrom(doc.Find(SelectorPrice).First(), "data-price"); ok {
		product.Price = price
	}
	if old := doc.Find(SelectorOldPrice).First(); old.Length() > 0 {
		if v, ok := priceFrom(old, ""); ok && v > 0 {
			product.OldPrice = &v
		}
	}

	product.InStock = doc.Find(SelectorOutOfStock).Length() == 0 &&
		!strings.Contains(strings.ToLower(html), outOfStockText)

	if sku := doc.Find(SelectorSKU).First(); sku.Length() > 0 {
		product.SKU = cleanText(sku.Text())
		if product.SKU == "" {
			product.SKU, _ = sku.Attr("data-sku")
		}
	}

	product.SourceID = product.SKU
	if product.SourceID == "" {
		product.SourceID = models.ExtractProductID(pageURL)
	}

	product.Specs = extractSpecs(doc)

	for _, img := range extractImages(doc, pageURL) {
		product.AddImage(img)
	}

	product.CategoriesPath = extractBreadcrumbs(doc)
	if n := len(product.CategoriesPath); n > 0 {
		product.Category = product.CategoriesPath[n-1]
		if n >= 2 {
			product.Subcategory = product.CategoriesPath[n-2]
		}
	}

	return product, nil
}

func priceFrom(s *goquery.Selection, attr string) (float64, bool) {
	if s.Length() == 0 {
		return 0, false
	}
	text := cleanText(s.Text())
	if text == "" && attr != "" {
		text, _ = s.Attr(attr)
	}
	if text == "" {
		return 0, false
	}
	return models.ParsePrice(text)
}

func extractSpecs(doc *goquery.Document) models.ProductSpecs {
	specs := models.ProductSpecs{Additional: make(map[string]string)}

	container := doc.Find(SelectorSpecs).First()
	if container.Length() == 0 {
		return specs
	}

	container.Find(SelectorSpecRow).Each(func(_ int, row *goquery.Selection) {
		nameSel := row.Find(SelectorSpecName).First()
		valueSel := row.Find(SelectorSpecValue).First()
		if nameSel.Length() == 0 || valueSel.Length() == 0 {
			return
		}

		name := strings.ToLower(cleanText(nameSel.Text()))
		value := cleanText(valueSel.Text())
		if name == "" {
			return
		}

		switch {
		case strings.Contains(name, "бренд") || strings.Contains(name, "brand"):
			specs.Brand = value
		case strings.Contains(name, "вес") || strings.Contains(name, "weight"):
			specs.Weight = value
		case strings.Contains(name, "страна") || strings.Contains(name, "country"):
			specs.Country = value
		case strings.Contains(name, "размер") || strings.Contains(name, "dimension"):
			specs.Dimensions = value
		case strings.Contains(name, "материал") || strings.Contains(name, "material"):
			specs.Material = value
		default:
			specs.Additional[name] = value
		}
	})

	return specs
}

func extractImages(doc *goquery.Document, pageURL string) []string {
	var images []string
	seen := make(map[string]bool)

	for _, selector := range imageSelectors {
		doc.Find(selector).Each(func(_ int, img *goquery.Selection) {
			for _, attr := range imageAttributes {
				src, ok := img.Attr(attr)
				if !ok || strings.TrimSpace(src) == "" {
					continue
				}
				abs := resolveURL(pageURL, strings.TrimSpace(src))
				if abs == "" || isPlaceholder(abs) {
					continue
				}
				normalized := NormalizeImageURL(abs)
				if !seen[normalized] {
					seen[normalized] = true
					images = append(images, normalized)
				}
				return
			}
		})
	}

	return images
}

func isPlaceholder(u string) bool {
	return strings.Contains(strings.ToLower(u), "placeholder") || strings.Contains(u, "data:image")
}

func extractBreadcrumbs(doc *goquery.Document) []string {
	path := make([]string, 0)
	doc.Find(SelectorBreadcrumbs).Each(func(_ int, s *goquery.Selection) {
		name := cleanText(s.Text())
		if name == "" || homeCrumbs[strings.ToLower(name)] {
			return
		}
		path = append(path, name)
	})
	return path
}

// NormalizeImageURL drops resize path segments and size query parameters so
// the original image is requested.
func NormalizeImageURL(u string) string {
	u = resizePattern.ReplaceAllString(u, "/")
	return sizeQueryPattern.ReplaceAllString(u, "")
}

func resolveURL(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
