package models

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultCurrency = "RUB"
	DefaultSource   = "fix-price.com"
)

type ProductSpecs struct {
	Brand      string            `json:"brand,omitempty"`
	Weight     string            `json:"weight,omitempty"`
	Country    string            `json:"country,omitempty"`
	Dimensions string            `json:"dimensions,omitempty"`
	Material   string            `json:"material,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// Flatten merges the known fields and the additional attributes into one map.
// Known fields win over an additional attribute with the same name.
func (s ProductSpecs) Flatten() map[string]string {
	out := make(map[string]string, len(s.Additional)+5)
	for k, v := range s.Additional {
		out[k] = v
	}
	known := map[string]string{
		"brand":      s.Brand,
		"weight":     s.Weight,
		"country":    s.Country,
		"dimensions": s.Dimensions,
		"material":   s.Material,
	}
	for k, v := range known {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

type ProductImage struct {
	OriginalURL string `json:"original_url"`
	UploadedURL string `json:"uploaded_url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	IsPrimary   bool   `json:"is_primary"`
}

type Product struct {
	SourceID  string `json:"source_id,omitempty"`
	SourceURL string `json:"source_url"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Price    float64  `json:"price"`
	OldPrice *float64 `json:"old_price,omitempty"`
	Currency string   `json:"currency"`

	Category       string   `json:"category,omitempty"`
	Subcategory    string   `json:"subcategory,omitempty"`
	CategoriesPath []string `json:"categories_path"`

	Specs  ProductSpecs   `json:"specs"`
	Images []ProductImage `json:"images"`

	InStock       bool `json:"in_stock"`
	StockQuantity *int `json:"stock_quantity,omitempty"`

	SKU     string `json:"sku,omitempty"`
	Barcode string `json:"barcode,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UploadedToAPI bool      `json:"uploaded_to_api"`
	APIProductID  string    `json:"api_product_id,omitempty"`
	Errors        []string  `json:"errors"`
}

func NewProduct(sourceURL string) *Product {
	return &Product{
		SourceURL:      sourceURL,
		Currency:       DefaultCurrency,
		CategoriesPath: make([]string, 0),
		Images:         make([]ProductImage, 0),
		InStock:        true,
		CreatedAt:      time.Now().UTC(),
		Errors:         make([]string, 0),
	}
}

// AddImage appends an image; the first image added becomes the primary one.
func (p *Product) AddImage(originalURL string) {
	p.Images = append(p.Images, ProductImage{
		OriginalURL: originalURL,
		IsPrimary:   len(p.Images) == 0,
	})
}

func (p *Product) AddError(msg string) {
	p.Errors = append(p.Errors, msg)
}

// DiscountPercent is reported only when the former price is above the current one.
func (p *Product) DiscountPercent() (float64, bool) {
	if p.OldPrice == nil || *p.OldPrice <= p.Price {
		return 0, false
	}
	old := *p.OldPrice
	return round2((old - p.Price) / old * 100), true
}

// Validate returns the business-rule violations for the product, if any.
func (p *Product) Validate() []string {
	var reasons []string

	if utf8.RuneCountInString(strings.TrimSpace(p.Title)) < 2 {
		reasons = append(reasons, "invalid title")
	}

	if p.Price < 0 || math.IsNaN(p.Price) {
		reasons = append(reasons, "invalid price")
	}

	return reasons
}

// APIPayload builds the destination create-product body. Empty optional
// fields are left out.
func (p *Product) APIPayload(source string) map[string]any {
	if source == "" {
		source = DefaultSource
	}

	images := make([]map[string]any, 0, len(p.Images))
	for _, img := range p.Images {
		url := img.UploadedURL
		if url == "" {
			url = img.OriginalURL
		}
		if url == "" {
			continue
		}
		entry := map[string]any{
			"url":        url,
			"is_primary": img.IsPrimary,
		}
		if img.Filename != "" {
			entry["filename"] = img.Filename
		}
		images = append(images, entry)
	}

	metadata := map[string]any{
		"source":    source,
		"parsed_at": p.CreatedAt.Format(time.RFC3339),
	}
	if discount, ok := p.DiscountPercent(); ok {
		metadata["discount_percent"] = discount
	}

	categoriesPath := p.CategoriesPath
	if categoriesPath == nil {
		categoriesPath = []string{}
	}

	payload := map[string]any{
		"source_url":      p.SourceURL,
		"name":            p.Title,
		"price":           p.Price,
		"currency":        p.Currency,
		"categories_path": categoriesPath,
		"specifications":  p.Specs.Flatten(),
		"images":          images,
		"in_stock":        p.InStock,
		"metadata":        metadata,
	}

	optional := map[string]string{
		"external_id": p.SourceID,
		"description": p.Description,
		"category":    p.Category,
		"subcategory": p.Subcategory,
		"sku":         p.SKU,
		"barcode":     p.Barcode,
	}
	for k, v := range optional {
		if v != "" {
			payload[k] = v
		}
	}
	if p.OldPrice != nil {
		payload["old_price"] = *p.OldPrice
	}
	if p.StockQuantity != nil {
		payload["stock_quantity"] = *p.StockQuantity
	}

	return payload
}

var productIDPattern = regexp.MustCompile(`/products?/(\d+)`)

// ExtractProductID takes the numeric id from a product URL, falling back to a
// short hash of the URL.
func ExtractProductID(url string) string {
	if m := productIDPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:12]
}

type Category struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Parent string `json:"parent,omitempty"`
	Level  int    `json:"level"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
