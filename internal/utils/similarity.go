// Package utils holds small vector helpers used by example retrieval.
package utils

import (
	"fmt"
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Zero vectors have similarity 0.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension (%d != %d)", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// Scored pairs an index into a candidate list with its score.
type Scored struct {
	Index int
	Score float32
}

// TopK scores every candidate against query and returns at most k indexes
// whose score is >= threshold, best first. Candidates that cannot be scored
// (empty or mismatched dimension) are skipped.
func TopK(query []float32, candidates [][]float32, k int, threshold float32) []Scored {
	if k <= 0 {
		return nil
	}
	var scored []Scored
	for i, c := range candidates {
		sim, err := CosineSimilarity(query, c)
		if err != nil || sim < threshold {
			continue
		}
		scored = append(scored, Scored{Index: i, Score: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
