package pipeline

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"git.home.luguber.info/inful/watchdog/internal/store"
)

// mergeThreshold: a candidate scoring above this is the same matter.
const mergeThreshold = 0.8

// candidateCase is a freshly classified matter not yet persisted,
// compared against existing cases.
type candidateCase struct {
	Category     string
	Headline     string
	Entities     []string
	Locations    []string
	Municipality string
}

// mergeScore grades how likely an existing case and a new candidate
// describe the same matter. Signals, in decreasing weight: shared
// entity, overlapping location, same category, near-identical headline.
func mergeScore(existing *store.Case, cand candidateCase) float64 {
	score := 0.0
	if overlapFold(existing.Entities, cand.Entities) {
		score += 0.6
	}
	if overlapFold(existing.Locations, cand.Locations) {
		score += 0.2
	}
	if existing.PrimaryCategory == cand.Category {
		score += 0.1
	}
	if titleSimilarity(existing.Headline, cand.Headline) >= 0.7 {
		score += 0.1
	}
	return score
}

// bestMergeTarget picks the highest-scoring candidate above the merge
// threshold, or nil when the matter is new.
func bestMergeTarget(candidates []*store.Case, cand candidateCase) *store.Case {
	var (
		best      *store.Case
		bestScore float64
	)
	for _, c := range candidates {
		if s := mergeScore(c, cand); s > bestScore {
			best, bestScore = c, s
		}
	}
	if bestScore > mergeThreshold {
		return best
	}
	return nil
}

// overlapFold reports whether the lists share an element, compared
// case-insensitively with surrounding whitespace ignored.
func overlapFold(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		if n := normalize(s); n != "" {
			set[n] = struct{}{}
		}
	}
	for _, s := range b {
		if _, ok := set[normalize(s)]; ok && normalize(s) != "" {
			return true
		}
	}
	return false
}

// titleSimilarity is 1 - levenshtein/maxlen over normalized headlines.
func titleSimilarity(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	max := len([]rune(a))
	if l := len([]rune(b)); l > max {
		max = l
	}
	return 1 - float64(dist)/float64(max)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
