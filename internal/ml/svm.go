package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

type SVMOptions struct {
	C      float64 `json:"c" yaml:"c"`
	Epochs int     `json:"epochs" yaml:"epochs"`
	Seed   int64   `json:"seed" yaml:"seed"`
}

func (o SVMOptions) withDefaults() SVMOptions {
	if o.C <= 0 {
		o.C = 1
	}
	if o.Epochs <= 0 {
		o.Epochs = 100
	}
	if o.Seed == 0 {
		o.Seed = 666
	}
	return o
}

// SVMModel is a trained one-vs-rest linear SVM. The last weight of every
// row is the bias.
type SVMModel struct {
	Labels     []string    `json:"labels"`
	Weights    [][]float64 `json:"weights"`
	Dimensions int         `json:"dimensions"`
}

// TrainSVM fits one linear hinge-loss classifier per label with the
// Pegasos stochastic sub-gradient method.
func TrainSVM(ctx context.Context, points []DataPoint, opts SVMOptions, progress ProgressFunc) (*SVMModel, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	opts = opts.withDefaults()

	dims := len(points[0].Coordinates)
	seen := make(map[string]bool)
	var labels []string
	xs := make([][]float64, len(points))
	for i, p := range points {
		if len(p.Coordinates) != dims {
			return nil, fmt.Errorf("point %d has %d dimensions, expected %d: %w", i, len(p.Coordinates), dims, ErrDimensionMismatch)
		}
		if !seen[p.Label] {
			seen[p.Label] = true
			labels = append(labels, p.Label)
		}
		xs[i] = append(append(make([]float64, 0, dims+1), p.Coordinates...), 1)
	}
	sort.Strings(labels)

	model := &SVMModel{Labels: labels, Dimensions: dims, Weights: make([][]float64, len(labels))}
	if len(labels) == 1 {
		model.Weights[0] = make([]float64, dims+1)
		reportProgress(progress, 1)
		return model, nil
	}

	lambda := 1 / (opts.C * float64(len(points)))
	radius := 1 / math.Sqrt(lambda)
	for li, label := range labels {
		rng := rand.New(rand.NewSource(opts.Seed))
		w := make([]float64, dims+1)
		t := 0
		for epoch := 0; epoch < opts.Epochs; epoch++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, i := range rng.Perm(len(points)) {
				t++
				y := -1.0
				if points[i].Label == label {
					y = 1
				}
				eta := 1 / (lambda * float64(t))
				margin := y * dot(w, xs[i])
				scale := 1 - eta*lambda
				for k := range w {
					w[k] *= scale
				}
				if margin < 1 {
					for k, x := range xs[i] {
						w[k] += eta * y * x
					}
				}
				if norm := math.Sqrt(dot(w, w)); norm > radius {
					for k := range w {
						w[k] *= radius / norm
					}
				}
			}
		}
		model.Weights[li] = w
		reportProgress(progress, float64(li+1)/float64(len(labels)))
	}
	return model, nil
}

// Predict scores x against every label. Confidences are sigmoid-squashed
// decision values normalized to sum to 1, sorted descending.
func (m *SVMModel) Predict(x []float64) ([]Prediction, error) {
	if m == nil || len(m.Labels) == 0 {
		return nil, ErrNotTrained
	}
	if len(x) != m.Dimensions {
		return nil, fmt.Errorf("got %d dimensions, expected %d: %w", len(x), m.Dimensions, ErrDimensionMismatch)
	}
	if len(m.Labels) == 1 {
		return []Prediction{{Label: m.Labels[0], Confidence: 1}}, nil
	}

	xb := append(append(make([]float64, 0, len(x)+1), x...), 1)
	preds := make([]Prediction, len(m.Labels))
	total := 0.0
	for i, label := range m.Labels {
		s := sigmoid(dot(m.Weights[i], xb))
		preds[i] = Prediction{Label: label, Confidence: s}
		total += s
	}
	for i := range preds {
		preds[i].Confidence /= total
	}
	SortPredictions(preds)
	return preds, nil
}
