package vector

import (
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	a, _ := normalized([]float32{3, 4}, 2)
	b, _ := normalized([]float32{6, 8}, 2)
	if d := CosineDistance(a, b); math.Abs(d) > 1e-6 {
		t.Errorf("parallel vectors: distance %v", d)
	}
	c, _ := normalized([]float32{-4, 3}, 2)
	if d := CosineDistance(a, c); math.Abs(d-1) > 1e-6 {
		t.Errorf("orthogonal vectors: distance %v", d)
	}
}

func TestNormalized_Rejects(t *testing.T) {
	if _, err := normalized([]float32{0, 0}, 2); err == nil {
		t.Error("zero vector should be rejected")
	}
	if _, err := normalized([]float32{1}, 2); err == nil {
		t.Error("dimension mismatch should be rejected")
	}
}
