package embedding

import (
	"testing"
	"time"
)

func TestCache_GetSet(t *testing.T) {
	c := NewCache(2, 0)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	c.Get("a")               // a is now most recent
	c.Set("c", []float32{6}) // evicts b
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestCache_TTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(10, time.Hour)
	c.now = func() time.Time { return now }

	c.Set("a", []float32{1})
	now = now.Add(30 * time.Minute)
	c.Set("b", []float32{2})
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be valid at +30m")
	}

	now = now.Add(31 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("a should be expired at +61m")
	}
	if removed := c.ClearExpired(); removed != 0 {
		t.Errorf("a was already dropped on read, ClearExpired removed %d", removed)
	}

	now = now.Add(time.Hour)
	if removed := c.ClearExpired(); removed != 1 {
		t.Errorf("ClearExpired removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestCacheKey_NormalizesWhitespace(t *testing.T) {
	if CacheKey("fuga  de\nagua ") != CacheKey("fuga de agua") {
		t.Error("whitespace variants should share a key")
	}
	if CacheKey("Fuga de agua") == CacheKey("fuga de agua") {
		t.Error("case is significant for embeddings")
	}
}
