package tools

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when vectors of different sizes are combined.
var ErrDimensionMismatch = errors.New("dimensions should match")

// NDistance is the euclidean distance between two points of the same dimension.
func NDistance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("can't calculate distance between vectors of length %d and %d: %w", len(a), len(b), ErrDimensionMismatch)
	}
	total := 0.0
	for i := range a {
		diff := b[i] - a[i]
		total += diff * diff
	}
	return math.Sqrt(total), nil
}

// GetZPercent returns the standard normal cumulative probability of z.
func GetZPercent(z float64) float64 {
	if z < -6.5 {
		return 0
	}
	if z > 6.5 {
		return 1
	}

	factK := 1.0
	sum := 0.0
	term := 1.0
	k := 0
	loopStop := math.Exp(-23)
	for math.Abs(term) > loopStop {
		kf := float64(k)
		term = 0.3989422804 * math.Pow(-1, kf) * math.Pow(z, kf) / (2*kf + 1) / math.Pow(2, kf) * math.Pow(z, kf+1) / factK
		sum += term
		k++
		factK *= float64(k)
	}
	return sum + 0.5
}

// ComputeNorm returns the L2 norm of vec.
func ComputeNorm(vec []float64) float64 {
	total := 0.0
	for _, x := range vec {
		total += x * x
	}
	return math.Sqrt(total)
}

// VectorAdd sums vectors element-wise.
func VectorAdd(vecs ...[]float64) ([]float64, error) {
	if len(vecs) == 0 {
		return nil, nil
	}
	out := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		if len(v) != len(out) {
			return nil, ErrDimensionMismatch
		}
		for i, x := range v {
			out[i] += x
		}
	}
	return out, nil
}

func ScalarMultiply(vec []float64, multiplier float64) []float64 {
	out := make([]float64, len(vec))
	for i, x := range vec {
		out[i] = x * multiplier
	}
	return out
}

func ScalarDivide(vec []float64, divider float64) []float64 {
	return ScalarMultiply(vec, 1/divider)
}

// AverageVectors normalizes every non-null vector and sums them.
func AverageVectors(vecs [][]float64) ([]float64, error) {
	if len(vecs) == 0 {
		return nil, nil
	}
	normalized := make([][]float64, 0, len(vecs))
	for _, v := range vecs {
		if len(v) != len(vecs[0]) {
			return nil, fmt.Errorf("vectors must all be of the same size: %w", ErrDimensionMismatch)
		}
		if norm := ComputeNorm(v); norm != 0 {
			normalized = append(normalized, ScalarDivide(v, norm))
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}
	return VectorAdd(normalized...)
}

// AllInRange reports whether every value lies in [lower, upper).
func AllInRange(vec []float64, lower, upper float64) bool {
	for _, v := range vec {
		if v < lower || v >= upper {
			return false
		}
	}
	return true
}

func Zeroes(n int) []float64 {
	return make([]float64, n)
}

// ComputeQuantile buckets target into [1, quantile] given its bounds.
func ComputeQuantile(quantile int, target, upperBound, lowerBound float64) int {
	q := float64(quantile)
	bucket := math.Ceil(q * ((target - lowerBound) / (upperBound - lowerBound)))
	return int(math.Min(q, math.Max(bucket, 1)))
}

func Mean(vec []float64) float64 {
	if len(vec) == 0 {
		return math.NaN()
	}
	total := 0.0
	for _, x := range vec {
		total += x
	}
	return total / float64(len(vec))
}

// Std is the sample standard deviation. It is 0 for a single value and
// NaN for none.
func Std(vec []float64) float64 {
	switch len(vec) {
	case 0:
		return math.NaN()
	case 1:
		return 0
	}
	m := Mean(vec)
	total := 0.0
	for _, x := range vec {
		total += (x - m) * (x - m)
	}
	return math.Sqrt(total / float64(len(vec)-1))
}

// RelativeStd is the coefficient of variation.
func RelativeStd(vec []float64) float64 {
	return Std(vec) / Mean(vec)
}
