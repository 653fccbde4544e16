package pipeline

import (
	"github.com/maltedev/fixprice-etl/internal/models"
)

// UncategorizedName groups products that have no category.
const UncategorizedName = "Без категории"

// SampleByCategory keeps an evenly spread, deterministic percent% of the
// products of each category, in discovery order. Within a category the item
// at index i is kept when ceil((i+1)*p/100) > ceil(i*p/100), so index 0 is
// always kept, ceil(n*p/100) items survive and p=50 keeps exactly the even
// indices. Categories are emitted in order of first appearance.
func SampleByCategory(products []*models.Product, percent int) []*models.Product {
	if percent < 1 {
		percent = 1
	}
	if percent > 100 {
		percent = 100
	}

	var order []string
	groups := make(map[string][]*models.Product)
	for _, p := range products {
		cat := p.Category
		if cat == "" {
			cat = UncategorizedName
		}
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], p)
	}

	sampled := make([]*models.Product, 0, len(products))
	for _, cat := range order {
		for i, p := range groups[cat] {
			if keepIndex(i, percent) {
				sampled = append(sampled, p)
			}
		}
	}
	return sampled
}

func keepIndex(i, percent int) bool {
	return ceilDiv((i+1)*percent, 100) > ceilDiv(i*percent, 100)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
