package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{
		{0, 1},     // 0
		{1, 0.1},   // ~0.995
		{1, 0},     // 1
		nil,        // skipped
		{1, 0, 0},  // mismatched, skipped
		{0.7, 0.7}, // ~0.707
	}

	got := TopK(query, candidates, 2, 0.5)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index)
	assert.Equal(t, 1, got[1].Index)

	got = TopK(query, candidates, 5, 0.9)
	assert.Len(t, got, 2)

	assert.Nil(t, TopK(query, candidates, 0, 0))
}
