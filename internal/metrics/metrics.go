// Package metrics holds the prometheus collectors of the NLU engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nlu",
		Name:      "predictions_total",
		Help:      "Predictions by language and error state.",
	}, []string{"language", "errored"})

	predictionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nlu",
		Name:      "prediction_duration_seconds",
		Help:      "Time spent predicting one utterance.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	trainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nlu",
		Name:      "trainings_total",
		Help:      "Trainings by language and outcome.",
	}, []string{"language", "outcome"})

	trainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nlu",
		Name:      "training_duration_seconds",
		Help:      "Time spent training one model.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	providerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nlu",
		Name:      "provider_errors_total",
		Help:      "Failed calls to a language source.",
	}, []string{"source"})
)

func ObservePrediction(language string, errored bool, elapsed time.Duration) {
	predictionsTotal.WithLabelValues(language, strconv.FormatBool(errored)).Inc()
	predictionDuration.Observe(elapsed.Seconds())
}

func ObserveTraining(language, outcome string, elapsed time.Duration) {
	trainingsTotal.WithLabelValues(language, outcome).Inc()
	trainingDuration.Observe(elapsed.Seconds())
}

func ProviderError(source string) {
	providerErrorsTotal.WithLabelValues(source).Inc()
}
