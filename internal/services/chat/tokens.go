package chat

import "unicode/utf8"

// Estimator approximates how many model tokens a text consumes. Used
// for per-turn accounting only; billing-grade counts come from the
// provider when available.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator divides the character count by four and rounds
// up. It never fails and never returns a negative count, so turn
// accounting cannot block a request.
type HeuristicEstimator struct{}

// Estimate returns 0 for empty text, otherwise at least 1.
func (HeuristicEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
