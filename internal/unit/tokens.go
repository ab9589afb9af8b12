package unit

import "math"

// TokenDivisor is the single engine-wide characters-per-token divisor.
// The extractor historically used 3.5; retrieval benchmarks recommended 4.0
// and the engine canonicalizes on it. Chunk sizing, the preparer's character
// ceiling, and the assembler's budget accounting all derive from this one
// constant.
const TokenDivisor = 4.0

// EstimateTokens estimates the token count of s as ceil(len(s)/TokenDivisor).
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / TokenDivisor))
}

// TokensToChars converts a token budget into a character allowance under the
// same divisor.
func TokensToChars(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return int(float64(tokens) * TokenDivisor)
}
