package classifier

// extractBigrams returns the set of overlapping two-rune windows of text.
// A string shorter than two runes has no bigrams.
func extractBigrams(text string) map[string]struct{} {
	runes := []rune(text)
	if len(runes) < 2 {
		return map[string]struct{}{}
	}

	bigrams := make(map[string]struct{}, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		bigrams[string(runes[i:i+2])] = struct{}{}
	}
	return bigrams
}

// diceCoefficient computes 2·|A∩B| / (|A|+|B|) over the bigram sets of a and
// b. Identical inputs short-circuit to 1.0 regardless of length, so two
// empty strings — or two single-character strings that are equal — score
// 1.0. Otherwise, a string with no bigrams (empty or single character)
// scores 0.0 against anything it isn't identical to: the spec's boundary
// behaviour overrides the more permissive "both empty" shortcut some
// bigram-similarity implementations take.
func diceCoefficient(a, b string) float64 {
	if a == b {
		return 1.0
	}

	bigramsA := extractBigrams(a)
	bigramsB := extractBigrams(b)
	if len(bigramsA) == 0 || len(bigramsB) == 0 {
		return 0.0
	}

	intersection := 0
	for bg := range bigramsA {
		if _, ok := bigramsB[bg]; ok {
			intersection++
		}
	}

	return 2 * float64(intersection) / float64(len(bigramsA)+len(bigramsB))
}
