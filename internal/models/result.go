package models

import "time"

// ProductResult is the flattened per-product line of a run report.
type ProductResult struct {
	Title        string   `json:"title"`
	Price        float64  `json:"price"`
	OldPrice     *float64 `json:"old_price"`
	Category     string   `json:"category,omitempty"`
	SourceURL    string   `json:"source_url"`
	APIProductID string   `json:"api_product_id,omitempty"`
	Uploaded     bool     `json:"uploaded"`
	Errors       []string `json:"errors"`
}

// RunResult is what a finished run hands to its result sinks.
type RunResult struct {
	Timestamp time.Time       `json:"timestamp"`
	Stats     StatsReport     `json:"stats"`
	Products  []ProductResult `json:"products"`
}

func NewRunResult(stats *ParsingStats, products []*Product) *RunResult {
	r := &RunResult{
		Timestamp: time.Now(),
		Stats:     stats.Report(),
		Products:  make([]ProductResult, 0, len(products)),
	}
	for _, p := range products {
		errs := p.Errors
		if errs == nil {
			errs = []string{}
		}
		r.Products = append(r.Products, ProductResult{
			Title:        p.Title,
			Price:        p.Price,
			OldPrice:     p.OldPrice,
			Category:     p.Category,
			SourceURL:    p.SourceURL,
			APIProductID: p.APIProductID,
			Uploaded:     p.UploadedToAPI,
			Errors:       errs,
		})
	}
	return r
}
