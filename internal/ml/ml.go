// Package ml holds the trainable classifiers used by the NLU pipelines: a
// one-vs-rest linear SVM, k-means clustering and a linear-chain CRF
// sequence tagger. Training is deterministic for a given input.
package ml

import (
	"errors"
	"math"
	"sort"
)

var (
	ErrNoPoints          = errors.New("no points to train on")
	ErrDimensionMismatch = errors.New("feature dimensions should match")
	ErrNotTrained        = errors.New("model is not trained")
)

// DataPoint is a labeled feature vector.
type DataPoint struct {
	Label       string    `json:"label"`
	Coordinates []float64 `json:"coordinates"`
}

// Prediction is a label with its confidence.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ProgressFunc receives the training progress in [0, 1].
type ProgressFunc func(progress float64)

func reportProgress(fn ProgressFunc, p float64) {
	if fn != nil {
		fn(p)
	}
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func squaredDistance(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logSumExp(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = max(m, x)
	}
	if math.IsInf(m, -1) {
		return m
	}
	s := 0.0
	for _, x := range xs {
		s += math.Exp(x - m)
	}
	return m + math.Log(s)
}

// SortPredictions orders predictions by descending confidence, then label.
func SortPredictions(preds []Prediction) {
	sort.SliceStable(preds, func(i, j int) bool {
		if preds[i].Confidence != preds[j].Confidence {
			return preds[i].Confidence > preds[j].Confidence
		}
		return preds[i].Label < preds[j].Label
	})
}
