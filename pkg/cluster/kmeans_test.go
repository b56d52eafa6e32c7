package cluster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKMeans() *KMeans {
	return New(Config{Seed: 42, Restarts: 10, MaxIterations: 300})
}

// threeGroups returns nine vectors around three well separated centers.
func threeGroups() [][]float32 {
	centers := [][]float32{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}}
	var out [][]float32
	for _, c := range centers {
		for j := range 3 {
			off := float32(j) * 0.1
			out = append(out, []float32{c[0] + off, c[1] - off, c[2] + off/2})
		}
	}
	return out
}

func TestK(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{3, 2}, {6, 2}, {8, 2}, {9, 3}, {12, 4}, {24, 8}, {100, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, K(tt.n), "n=%d", tt.n)
	}
}

func TestClusterEmpty(t *testing.T) {
	res := newTestKMeans().Cluster(nil)
	assert.Empty(t, res.Groups)
	assert.NoError(t, res.Fallback)
}

func TestClusterBelowMinimumIsSingleGroup(t *testing.T) {
	res := newTestKMeans().Cluster([][]float32{{1, 0}, {0, 1}})
	require.Len(t, res.Groups, 1)
	assert.Equal(t, []int{0, 1}, res.Groups[0])
	assert.NoError(t, res.Fallback)

	res = newTestKMeans().Cluster([][]float32{{1, 0}})
	require.Len(t, res.Groups, 1)
	assert.Equal(t, []int{0}, res.Groups[0])
}

func TestClusterFindsNaturalGroups(t *testing.T) {
	res := newTestKMeans().Cluster(threeGroups())
	require.NoError(t, res.Fallback)
	assert.Equal(t, 3, res.K)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, res.Groups)
}

func TestClusterIsDeterministic(t *testing.T) {
	vectors := threeGroups()
	vectors = append(vectors, []float32{5, 5, 0}, []float32{0, 5, 5}, []float32{5, 0, 5})

	a := newTestKMeans().Cluster(vectors)
	b := newTestKMeans().Cluster(vectors)
	assert.Equal(t, a.Groups, b.Groups)
	assert.Equal(t, a.Inertia, b.Inertia)
}

func TestClusterCoversEveryInputOnce(t *testing.T) {
	vectors := make([][]float32, 30)
	for i := range vectors {
		vectors[i] = []float32{float32(i % 7), float32(i % 5), float32(i % 3)}
	}
	res := newTestKMeans().Cluster(vectors)
	require.NoError(t, res.Fallback)

	seen := make(map[int]bool)
	for _, g := range res.Groups {
		assert.NotEmpty(t, g)
		for _, i := range g {
			assert.False(t, seen[i], "index %d in two groups", i)
			seen[i] = true
		}
	}
	assert.Len(t, seen, len(vectors))
	assert.LessOrEqual(t, len(res.Groups), 8)
}

func TestClusterDropsEmptyGroups(t *testing.T) {
	// Identical vectors leave all but one centroid without members.
	vectors := make([][]float32, 9)
	for i := range vectors {
		vectors[i] = []float32{1, 1}
	}
	res := newTestKMeans().Cluster(vectors)
	require.NoError(t, res.Fallback)
	require.Len(t, res.Groups, 1)
	assert.Len(t, res.Groups[0], 9)
}

func TestClusterFallsBackOnBadInput(t *testing.T) {
	res := newTestKMeans().Cluster([][]float32{{1, 2}, {1, 2, 3}, {4, 5}})
	assert.ErrorIs(t, res.Fallback, ErrDimensionMismatch)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, []int{0, 1, 2}, res.Groups[0])

	res = newTestKMeans().Cluster([][]float32{{1, 2}, {float32(math.NaN()), 0}, {4, 5}})
	assert.ErrorIs(t, res.Fallback, ErrNonFinite)
	require.Len(t, res.Groups, 1)
}
