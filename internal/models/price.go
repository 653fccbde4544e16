package models

import (
	"strconv"
	"strings"
)

// currencyMarkers are removed before parsing. Longer markers come first so
// "руб." is not left behind as "." after stripping "руб".
var currencyMarkers = []string{"руб.", "руб", "р.", "RUB", "USD", "EUR", "₽", "$", "€"}

var spaceReplacer = strings.NewReplacer(
	" ", "",
	"\u00a0", "",
	"\u202f", "",
	"\u2009", "",
	"\t", "",
	"\n", "",
)

// ParsePrice converts a free-text price such as "1 299,50 ₽" into a float.
// Text that is empty after stripping separators and currency markers parses
// as 0. The second return value is false when digits could not be recovered.
func ParsePrice(text string) (float64, bool) {
	s := spaceReplacer.Replace(text)
	for _, marker := range currencyMarkers {
		s = strings.ReplaceAll(s, marker, "")
	}
	if s == "" {
		return 0, true
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ',':
			b.WriteRune('.')
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}

	// "1.299.50" -> only the last separator is a decimal point.
	if strings.Count(cleaned, ".") > 1 {
		last := strings.LastIndex(cleaned, ".")
		cleaned = strings.ReplaceAll(cleaned[:last], ".", "") + cleaned[last:]
	}
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return 0, false
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
