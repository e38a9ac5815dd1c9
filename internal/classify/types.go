// Package classify holds the domain types shared across the classification
// flow: raw model predictions, the shaped results served to clients, and the
// error taxonomy used to report failures.
package classify

// TopK is the fixed maximum number of ranked labels returned per request.
const TopK = 5

// Prediction is a raw label/score pair as returned by the inference engine,
// before validation and shaping.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// RankedLabel is a validated, display-ready classification result. Score is
// the raw [0,1] confidence; Display is the percentage rendering used by
// clients ("92.0%").
type RankedLabel struct {
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	Display string  `json:"display"`
}
