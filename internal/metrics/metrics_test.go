package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObservePrediction(t *testing.T) {
	before := testutil.ToFloat64(predictionsTotal.WithLabelValues("en", "false"))
	ObservePrediction("en", false, 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(predictionsTotal.WithLabelValues("en", "false")))
}

func TestObserveTraining(t *testing.T) {
	ObserveTraining("fr", "canceled", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(trainingsTotal.WithLabelValues("fr", "canceled")))
}

func TestProviderError(t *testing.T) {
	ProviderError("http://lang:3100")
	ProviderError("http://lang:3100")
	assert.Equal(t, 2.0, testutil.ToFloat64(providerErrorsTotal.WithLabelValues("http://lang:3100")))
}
