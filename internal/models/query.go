package models

import (
	"strings"
	"time"
)

// SearchMode selects which retrieval paths a query uses.
type SearchMode string

const (
	ModeHybrid SearchMode = "hybrid"
	ModeVector SearchMode = "vector"
	ModeText   SearchMode = "text"
)

const dateLayout = "2006-01-02"

// Filters restricts search to chunks whose fields match. Empty fields do not filter.
// Dates are compared as YYYY-MM-DD strings, both bounds inclusive.
type Filters struct {
	Source        string  `json:"source,omitempty"`
	DocumentID    string  `json:"document_id,omitempty"`
	URL           string  `json:"url,omitempty"`
	DateFrom      string  `json:"date_from,omitempty"`
	DateTo        string  `json:"date_to,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
}

// IsZero reports whether f restricts nothing besides the similarity threshold.
func (f Filters) IsZero() bool {
	return f.Source == "" && f.DocumentID == "" && f.URL == "" && f.DateFrom == "" && f.DateTo == ""
}

// Validate rejects malformed dates and out-of-range thresholds.
func (f Filters) Validate() error {
	for _, d := range []string{f.DateFrom, f.DateTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, d); err != nil {
			return Validationf("validate_filters", "invalid date %q, expected YYYY-MM-DD", d)
		}
	}
	if f.DateFrom != "" && f.DateTo != "" && f.DateFrom > f.DateTo {
		return Validationf("validate_filters", "date_from %s is after date_to %s", f.DateFrom, f.DateTo)
	}
	if f.MinSimilarity < -1 || f.MinSimilarity > 1 {
		return Validationf("validate_filters", "min_similarity %v outside [-1, 1]", f.MinSimilarity)
	}
	return nil
}

// Match reports whether c passes the equality and date filters.
func (f Filters) Match(c *Chunk) bool {
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	if f.URL != "" && c.URL != f.URL {
		return false
	}
	if f.DateFrom != "" && (c.Date == "" || c.Date < f.DateFrom) {
		return false
	}
	if f.DateTo != "" && (c.Date == "" || dateKey(c.Date) > f.DateTo) {
		return false
	}
	return true
}

// dateKey trims a timestamp to its day so "2024-03-01T10:00:00Z" is within date_to 2024-03-01.
func dateKey(d string) string {
	if len(d) > len(dateLayout) {
		return d[:len(dateLayout)]
	}
	return d
}

// Query is one search request.
type Query struct {
	Text         string     `json:"query"`
	K            int        `json:"k,omitempty"`
	Filters      Filters    `json:"filters,omitempty"`
	Mode         SearchMode `json:"mode,omitempty"`
	HybridWeight *float64   `json:"hybrid_weight,omitempty"`
}

// Validate ensures the query is usable and fills defaults for k, mode and weight.
func (q *Query) Validate(defaultK, maxK int, defaultWeight float64) error {
	if strings.TrimSpace(q.Text) == "" {
		return Validationf("validate_query", "query cannot be empty")
	}
	if q.K <= 0 {
		q.K = defaultK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	switch q.Mode {
	case "":
		q.Mode = ModeHybrid
	case ModeHybrid, ModeVector, ModeText:
	default:
		return Validationf("validate_query", "unknown search mode %q", q.Mode)
	}
	if q.HybridWeight == nil {
		w := defaultWeight
		q.HybridWeight = &w
	}
	if w := *q.HybridWeight; w < 0 || w > 1 {
		return Validationf("validate_query", "hybrid_weight %v outside [0, 1]", w)
	}
	return q.Filters.Validate()
}

// Weight returns the vector weight, 0 if unset.
func (q *Query) Weight() float64 {
	if q.HybridWeight == nil {
		return 0
	}
	return *q.HybridWeight
}
