package relay

import "unicode/utf8"

// EstimateTokens approximates the token count of generated text with a
// ~4 characters per token heuristic. Counting runes rather than bytes keeps
// the estimate stable for Vietnamese text, where UTF-8 inflates byte length.
// The quota is a soft daily budget, so an approximation is sufficient.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (utf8.RuneCountInString(s) + 3) / 4
}
