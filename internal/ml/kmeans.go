package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

type KMeansOptions struct {
	Iterations int   `json:"iterations" yaml:"iterations"`
	Seed       int64 `json:"seed" yaml:"seed"`
}

// KMeansModel holds the trained centroids.
type KMeansModel struct {
	Centroids [][]float64 `json:"centroids"`
}

// KMeans clusters points into at most k groups with Lloyd iterations,
// starting from k distinct random points.
func KMeans(ctx context.Context, points [][]float64, k int, opts KMeansOptions) (*KMeansModel, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 250
	}
	dims := len(points[0])
	for i, p := range points {
		if len(p) != dims {
			return nil, fmt.Errorf("point %d: %w", i, ErrDimensionMismatch)
		}
	}
	k = min(k, len(points))

	rng := rand.New(rand.NewSource(opts.Seed))
	centroids := make([][]float64, k)
	for i, idx := range rng.Perm(len(points))[:k] {
		centroids[i] = append([]float64(nil), points[idx]...)
	}

	model := &KMeansModel{Centroids: centroids}
	assignments := make([]int, len(points))
	for i := range assignments {
		assignments[i] = -1
	}

	for iter := 0; iter < opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false
		for i, p := range points {
			c := model.nearest(p)
			if c != assignments[i] {
				assignments[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dims)
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for d, x := range p {
				sums[c][d] += x
			}
		}
		for c := range centroids {
			// an empty cluster keeps its previous centroid
			if counts[c] == 0 {
				continue
			}
			for d := range sums[c] {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}
	return model, nil
}

func (m *KMeansModel) nearest(p []float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range m.Centroids {
		if len(centroid) != len(p) {
			continue
		}
		if d := squaredDistance(centroid, p); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// Nearest returns the closest centroid index of every point.
func (m *KMeansModel) Nearest(points [][]float64) []int {
	out := make([]int, len(points))
	for i, p := range points {
		out[i] = m.nearest(p)
	}
	return out
}
