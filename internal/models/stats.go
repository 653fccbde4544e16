package models

import (
	"time"

	"github.com/google/uuid"
)

// StatsError is a structured error record kept in the run statistics.
type StatsError struct {
	Phase    string    `json:"phase"`
	Category string    `json:"category,omitempty"`
	URL      string    `json:"url,omitempty"`
	Error    string    `json:"error"`
	Time     time.Time `json:"time"`
}

type ParsingStats struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	CategoriesFound  int `json:"categories_found"`
	ProductsFound    int `json:"products_found"`
	ProductsParsed   int `json:"products_parsed"`
	ProductsFiltered int `json:"products_filtered"`
	ProductsUploaded int `json:"products_uploaded"`
	ProductsFailed   int `json:"products_failed"`

	Errors []StatsError `json:"errors"`
}

func NewParsingStats() *ParsingStats {
	return &ParsingStats{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Errors:    make([]StatsError, 0),
	}
}

func (s *ParsingStats) RecordError(phase, category, url string, err error) {
	s.Errors = append(s.Errors, StatsError{
		Phase:    phase,
		Category: category,
		URL:      url,
		Error:    err.Error(),
		Time:     time.Now().UTC(),
	})
}

func (s *ParsingStats) Finish() {
	now := time.Now().UTC()
	s.FinishedAt = &now
}

// DurationSeconds is only known once the run has finished.
func (s *ParsingStats) DurationSeconds() (float64, bool) {
	if s.FinishedAt == nil {
		return 0, false
	}
	return s.FinishedAt.Sub(s.StartedAt).Seconds(), true
}

// SuccessRate is the percentage of filtered products that were uploaded.
func (s *ParsingStats) SuccessRate() float64 {
	if s.ProductsFiltered == 0 {
		return 0
	}
	return round2(float64(s.ProductsUploaded) / float64(s.ProductsFiltered) * 100)
}

// Clone returns a copy that can be read while the original keeps changing.
func (s *ParsingStats) Clone() *ParsingStats {
	c := *s
	c.Errors = append([]StatsError(nil), s.Errors...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// StatsReport is the serialised form, with the derived values filled in.
type StatsReport struct {
	*ParsingStats
	SuccessRate     float64  `json:"success_rate"`
	DurationSeconds *float64 `json:"duration_seconds"`
}

func (s *ParsingStats) Report() StatsReport {
	r := StatsReport{
		ParsingStats: s.Clone(),
		SuccessRate:  s.SuccessRate(),
	}
	if d, ok := s.DurationSeconds(); ok {
		r.DurationSeconds = &d
	}
	return r
}
