// Package cluster groups embedding vectors into candidate topics.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

const (
	minK = 2
	maxK = 8

	// Below this size every vector goes into a single group.
	minBatch = 3
)

var (
	ErrDimensionMismatch = errors.New("embedding dimensions differ")
	ErrNonFinite         = errors.New("embedding contains NaN or Inf")
)

// Config controls the k-means search.
type Config struct {
	Seed          uint64
	Restarts      int
	MaxIterations int
}

// Result is the outcome of one Cluster call. Groups hold indexes into the
// input slice; each group is non-empty and sorted. Fallback is set when the
// algorithm could not run and all vectors were returned as one group.
type Result struct {
	Groups   [][]int
	K        int
	Inertia  float64
	Fallback error
}

// Clusterer partitions a batch of vectors.
type Clusterer interface {
	Cluster(vectors [][]float32) Result
}

// KMeans is a seeded k-means++ clusterer. Identical input and config always
// produce identical output.
type KMeans struct {
	cfg Config
}

func New(cfg Config) *KMeans {
	if cfg.Restarts <= 0 {
		cfg.Restarts = 10
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 300
	}
	return &KMeans{cfg: cfg}
}

// K returns the number of clusters used for a batch of n vectors.
func K(n int) int {
	return min(max(n/3, minK), maxK)
}

func (km *KMeans) Cluster(vectors [][]float32) Result {
	n := len(vectors)
	if n == 0 {
		return Result{}
	}
	if n < minBatch {
		return single(n, nil)
	}

	points, err := toPoints(vectors)
	if err != nil {
		return single(n, err)
	}

	k := min(K(n), n)
	var (
		best        []int
		bestInertia = math.Inf(1)
	)
	for run := range km.cfg.Restarts {
		rng := rand.New(rand.NewPCG(km.cfg.Seed, uint64(run)))
		labels, inertia := lloyd(points, seedCentroids(points, k, rng), km.cfg.MaxIterations)
		if inertia < bestInertia {
			best, bestInertia = labels, inertia
		}
	}
	if best == nil {
		return single(n, fmt.Errorf("k-means did not converge to a finite inertia"))
	}

	return Result{Groups: groupLabels(best, k), K: k, Inertia: bestInertia}
}

func single(n int, cause error) Result {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return Result{Groups: [][]int{all}, K: 1, Fallback: cause}
}

func toPoints(vectors [][]float32) ([][]float64, error) {
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	points := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		p := make([]float64, dim)
		for j, x := range v {
			f := float64(x)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: vector %d", ErrNonFinite, i)
			}
			p[j] = f
		}
		points[i] = p
	}
	return points, nil
}

// seedCentroids picks k initial centroids with k-means++: each new centroid is
// drawn with probability proportional to its squared distance from the
// nearest centroid chosen so far.
func seedCentroids(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, slices.Clone(points[rng.IntN(len(points))]))

	dist := make([]float64, len(points))
	for i, p := range points {
		dist[i] = sqDist(p, centroids[0])
	}

	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}

		next := rng.IntN(len(points))
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
			}
		}

		c := slices.Clone(points[next])
		centroids = append(centroids, c)
		for i, p := range points {
			dist[i] = min(dist[i], sqDist(p, c))
		}
	}
	return centroids
}

// lloyd iterates assignment and update steps until labels stop changing.
// A centroid that loses all members keeps its position.
func lloyd(points, centroids [][]float64, maxIter int) ([]int, float64) {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}
	dim := len(points[0])
	sums := make([][]float64, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	counts := make([]int, len(centroids))

	for range maxIter {
		changed := false
		for i, p := range points {
			if c := nearest(p, centroids); c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		for c := range sums {
			clear(sums[c])
			counts[c] = 0
		}
		for i, p := range points {
			c := labels[i]
			counts[c]++
			for j, x := range p {
				sums[c][j] += x
			}
		}
		for c, cnt := range counts {
			if cnt == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float64(cnt)
			}
		}
	}

	var inertia float64
	for i, p := range points {
		inertia += sqDist(p, centroids[labels[i]])
	}
	if math.IsNaN(inertia) || math.IsInf(inertia, 0) {
		return nil, math.Inf(1)
	}
	return labels, inertia
}

func nearest(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(p, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

// groupLabels turns labels into index groups, dropping empty clusters and
// ordering groups by their first member.
func groupLabels(labels []int, k int) [][]int {
	byLabel := make([][]int, k)
	for i, l := range labels {
		byLabel[l] = append(byLabel[l], i)
	}
	groups := make([][]int, 0, k)
	for _, g := range byLabel {
		if len(g) > 0 {
			groups = append(groups, g)
		}
	}
	slices.SortFunc(groups, func(a, b []int) int { return a[0] - b[0] })
	return groups
}
