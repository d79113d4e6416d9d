// ABOUTME: Closest-match scoring for reference values.
// ABOUTME: Prefers exact matches, then substring containment, then normalized edit distance.

package diagnose

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// similarityThreshold is the minimum normalized edit-distance score for
// a candidate to be offered as a suggestion.
const similarityThreshold = 0.6

// FindSimilarMatch returns the candidate closest to target, or false if
// none is close enough. Preference order: exact case-insensitive match,
// substring containment in either direction, then the highest-scoring
// candidate whose normalized edit distance meets the threshold.
func FindSimilarMatch(target string, candidates []string) (string, bool) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return "", false
	}
	lowerTarget := strings.ToLower(trimmed)

	for _, candidate := range candidates {
		if strings.EqualFold(trimmed, candidate) {
			return candidate, true
		}
	}

	for _, candidate := range candidates {
		lowerCandidate := strings.ToLower(strings.TrimSpace(candidate))
		if lowerCandidate == "" {
			continue
		}
		if strings.Contains(lowerTarget, lowerCandidate) || strings.Contains(lowerCandidate, lowerTarget) {
			return candidate, true
		}
	}

	best := ""
	bestScore := 0.0
	for _, candidate := range candidates {
		score := similarity(lowerTarget, strings.ToLower(candidate))
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	if bestScore >= similarityThreshold {
		return best, true
	}
	return "", false
}

// similarity is 1 − levenshtein(a,b)/max(len(a),len(b)); 1.0 means equal.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0.0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(distance)/float64(longest)
}
