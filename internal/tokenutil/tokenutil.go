package tokenutil

// EstimateTokens returns a character-based token estimate (len/4).
// The compaction threshold is defined in exactly these units, so the
// estimate deliberately stays integer character arithmetic.
func EstimateTokens(content string) int {
	return len(content) / 4
}

// TokensForChars converts a raw character count to the same estimate.
// Used when the caller already has an aggregate length from the store.
func TokensForChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return chars / 4
}
