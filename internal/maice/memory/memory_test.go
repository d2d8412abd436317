package memory_test

import (
	"errors"
	"math"
	"testing"

	"github.com/bdobrica/maice/internal/maice/memory"
)

func TestCosineSimilarity_SelfIsOne(t *testing.T) {
	v := []float32{0.3, -0.2, 0.9}
	if got := memory.CosineSimilarity(v, v); math.Abs(got-1.0) > 1e-6 {
		t.Fatalf("CosineSimilarity(v, v) = %v, want 1.0", got)
	}
}

func TestCosineSimilarity_Orthogonal(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := memory.CosineSimilarity(a, b); math.Abs(got) > 1e-6 {
		t.Fatalf("orthogonal similarity = %v, want 0", got)
	}
}

func TestCosineSimilarity_Opposite(t *testing.T) {
	a := []float32{0.5, 0.5, 0}
	b := []float32{-0.5, -0.5, 0}
	if got := memory.CosineSimilarity(a, b); math.Abs(got+1.0) > 1e-6 {
		t.Fatalf("opposite similarity = %v, want -1", got)
	}
}

func TestCosineSimilarity_ZeroVectorIsZero(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	if got := memory.CosineSimilarity(a, b); got != 0 {
		t.Fatalf("zero-vector similarity = %v, want 0 (not NaN, not an error)", got)
	}
	if got := memory.CosineSimilarity(b, a); got != 0 {
		t.Fatalf("zero-vector similarity (swapped) = %v, want 0", got)
	}
}

func TestCosineSimilarity_LengthMismatchIsZero(t *testing.T) {
	if got := memory.CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched-length similarity = %v, want 0", got)
	}
}

func TestParseExtraction_Valid(t *testing.T) {
	raw := []byte(`{
		"facts": ["likes hiking", "  has a cat  "],
		"episodes": [{"summary": "planned a weekend trip", "importance": 0.6}]
	}`)

	ex, err := memory.ParseExtraction(raw)
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if len(ex.Facts) != 2 || ex.Facts[1] != "has a cat" {
		t.Errorf("facts = %+v, want trimmed entries", ex.Facts)
	}
	if len(ex.Episodes) != 1 || ex.Episodes[0].Importance != 0.6 {
		t.Errorf("episodes = %+v", ex.Episodes)
	}
}

func TestParseExtraction_EmptyDocument(t *testing.T) {
	ex, err := memory.ParseExtraction([]byte(`{"facts": [], "episodes": []}`))
	if err != nil {
		t.Fatalf("ParseExtraction: %v", err)
	}
	if len(ex.Facts) != 0 || len(ex.Episodes) != 0 {
		t.Fatalf("expected empty extraction, got %+v", ex)
	}
}

func TestParseExtraction_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `facts: yes`,
		"missing facts":      `{"episodes": []}`,
		"missing episodes":   `{"facts": []}`,
		"facts not strings":  `{"facts": [1, 2], "episodes": []}`,
		"empty fact":         `{"facts": [""], "episodes": []}`,
		"episode no summary": `{"facts": [], "episodes": [{"importance": 0.5}]}`,
		"importance too big": `{"facts": [], "episodes": [{"summary": "x", "importance": 1.5}]}`,
		"extra properties":   `{"facts": [], "episodes": [], "mood": "happy"}`,
		"episodes not array": `{"facts": [], "episodes": {"summary": "x"}}`,
	}
	for name, raw := range cases {
		if _, err := memory.ParseExtraction([]byte(raw)); !errors.Is(err, memory.ErrMalformedExtraction) {
			t.Errorf("%s: err = %v, want ErrMalformedExtraction", name, err)
		}
	}
}
