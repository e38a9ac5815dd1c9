package classify

import (
	"fmt"
	"math"
)

// Shape validates raw predictions and converts them into display-ready
// results. Every entry must carry a non-empty label and a finite score in
// [0,1]; a single violation fails the whole batch so clients never see a
// partially rendered list. Input order is preserved (the engine returns
// top-K sorted by confidence) and the output is capped at TopK entries.
func Shape(raw []Prediction) ([]RankedLabel, error) {
	if len(raw) == 0 {
		return nil, Ef(KindMalformedResult, "inference returned no predictions")
	}

	shaped := make([]RankedLabel, 0, len(raw))
	for i, p := range raw {
		if p.Label == "" {
			return nil, Ef(KindMalformedResult, "prediction %d has an empty label", i)
		}
		if math.IsNaN(p.Score) || math.IsInf(p.Score, 0) || p.Score < 0 || p.Score > 1 {
			return nil, Ef(KindMalformedResult, "prediction %q has score %v outside [0,1]", p.Label, p.Score)
		}
		shaped = append(shaped, RankedLabel{
			Label:   p.Label,
			Score:   p.Score,
			Display: fmt.Sprintf("%.1f%%", p.Score*100),
		})
		if len(shaped) == TopK {
			break
		}
	}
	return shaped, nil
}
