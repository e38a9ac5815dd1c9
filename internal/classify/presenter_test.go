package classify

import (
	"errors"
	"math"
	"testing"
)

func TestShapePreservesOrderAndFormatsDisplay(t *testing.T) {
	raw := []Prediction{
		{Label: "Amanita", Score: 0.92},
		{Label: "Boletus", Score: 0.05},
	}

	shaped, err := Shape(raw)
	if err != nil {
		t.Fatalf("Shape() error = %v", err)
	}
	if len(shaped) != 2 {
		t.Fatalf("Shape() returned %d results, want 2", len(shaped))
	}
	if shaped[0].Label != "Amanita" || shaped[1].Label != "Boletus" {
		t.Fatalf("Shape() reordered results: %+v", shaped)
	}
	if shaped[0].Score != 0.92 || shaped[1].Score != 0.05 {
		t.Fatalf("Shape() altered scores: %+v", shaped)
	}
	if shaped[0].Display != "92.0%" {
		t.Fatalf("Display = %q, want %q", shaped[0].Display, "92.0%")
	}
	if shaped[1].Display != "5.0%" {
		t.Fatalf("Display = %q, want %q", shaped[1].Display, "5.0%")
	}
}

func TestShapeTruncatesToTopK(t *testing.T) {
	raw := make([]Prediction, TopK+3)
	for i := range raw {
		raw[i] = Prediction{Label: string(rune('a' + i)), Score: 0.5}
	}

	shaped, err := Shape(raw)
	if err != nil {
		t.Fatalf("Shape() error = %v", err)
	}
	if len(shaped) != TopK {
		t.Fatalf("Shape() returned %d results, want %d", len(shaped), TopK)
	}
}

func TestShapeRejectsOutOfRangeScore(t *testing.T) {
	raw := []Prediction{
		{Label: "Amanita", Score: 0.92},
		{Label: "Boletus", Score: 1.5},
	}

	shaped, err := Shape(raw)
	if err == nil {
		t.Fatal("Shape() error = nil, want malformed result")
	}
	if shaped != nil {
		t.Fatalf("Shape() returned partial results %+v, want none", shaped)
	}
	if KindOf(err) != KindMalformedResult {
		t.Fatalf("KindOf(err) = %q, want %q", KindOf(err), KindMalformedResult)
	}
}

func TestShapeRejectsNonFiniteAndNegativeScores(t *testing.T) {
	for _, score := range []float64{math.NaN(), math.Inf(1), -0.1} {
		_, err := Shape([]Prediction{{Label: "x", Score: score}})
		if KindOf(err) != KindMalformedResult {
			t.Fatalf("Shape(score=%v) kind = %q, want %q", score, KindOf(err), KindMalformedResult)
		}
	}
}

func TestShapeRejectsEmptyLabelAndEmptyBatch(t *testing.T) {
	if _, err := Shape([]Prediction{{Label: "", Score: 0.3}}); KindOf(err) != KindMalformedResult {
		t.Fatalf("empty label kind = %q, want %q", KindOf(err), KindMalformedResult)
	}
	if _, err := Shape(nil); KindOf(err) != KindMalformedResult {
		t.Fatalf("empty batch kind = %q, want %q", KindOf(err), KindMalformedResult)
	}
}

func TestErrorKindRoundTrip(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindModelLoad, cause)

	if KindOf(err) != KindModelLoad {
		t.Fatalf("KindOf = %q, want %q", KindOf(err), KindModelLoad)
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is(err, cause) = false, want true")
	}
	if E(KindInference, nil) != nil {
		t.Fatal("E(kind, nil) != nil")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("KindOf(plain error) != \"\"")
	}
}
