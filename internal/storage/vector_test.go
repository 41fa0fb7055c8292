package storage

import (
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0, 1e-7}

	decoded, err := DecodeVector(EncodeVector(vec))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("Expected %d components, got %d", len(vec), len(decoded))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("Component %d: expected %g, got %g", i, vec[i], decoded[i])
		}
	}
}

func TestDecodeVectorRejectsTruncatedBlob(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("Expected error for truncated blob")
	}
}

func TestDecodeVectorEmpty(t *testing.T) {
	vec, err := DecodeVector(nil)
	if err != nil || vec != nil {
		t.Fatalf("Expected (nil, nil) for empty blob, got (%v, %v)", vec, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"scaled", []float32{1, 2}, []float32{2, 4}, 1.0},
		{"empty", nil, nil, 0.0},
		{"length mismatch", []float32{1, 2}, []float32{1}, 0.0},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Expected %g, got %g", tc.want, got)
			}
		})
	}
}
