package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// cacheKeyInput is the canonical form hashed into a cache key. Field order is fixed by
// the struct, so equal inputs always encode to the same bytes.
type cacheKeyInput struct {
	Text    string            `json:"text"`
	K       int               `json:"k"`
	Mode    models.SearchMode `json:"mode"`
	Weight  float64           `json:"weight"`
	Filters models.Filters    `json:"filters"`
}

// ProcessQuery validates q and fills its defaults from the engine settings.
func ProcessQuery(q *models.Query, defaultK, maxK int, defaultWeight float64) error {
	return q.Validate(defaultK, maxK, defaultWeight)
}

// CacheKey returns the response cache key for a processed query: sha256 over the
// normalized text and every parameter that changes the result. Queries that differ
// only in case or whitespace share a key.
func CacheKey(q *models.Query) string {
	in := cacheKeyInput{
		Text:    utils.NormalizeQuery(q.Text),
		K:       q.K,
		Mode:    q.Mode,
		Filters: q.Filters,
	}
	// the weight only matters when both sides are ranked
	if q.Mode == models.ModeHybrid {
		in.Weight = q.Weight()
	}
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
