package resolve

import (
	"github.com/agnivade/levenshtein"
)

// ScoreFunc rates the similarity of two normalized names in [0,1]. It must
// be deterministic and symmetric; the resolver's thresholds assume nothing
// else about the metric.
type ScoreFunc func(a, b string) float64

// Similarity is the default scorer: an edit-distance ratio,
// 1 - levenshtein(a,b)/max(len(a),len(b)). Identical strings score 1.0,
// fully dissimilar strings score 0.0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longest)
}
