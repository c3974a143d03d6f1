package ml

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func separablePoints() []DataPoint {
	return []DataPoint{
		{Label: "a", Coordinates: []float64{1, 0}},
		{Label: "a", Coordinates: []float64{0.9, 0.1}},
		{Label: "a", Coordinates: []float64{1, 0.2}},
		{Label: "b", Coordinates: []float64{0, 1}},
		{Label: "b", Coordinates: []float64{0.1, 0.9}},
		{Label: "b", Coordinates: []float64{0.2, 1}},
	}
}

func TestSVMSeparatesClasses(t *testing.T) {
	model, err := TrainSVM(context.Background(), separablePoints(), SVMOptions{C: 1}, nil)
	require.NoError(t, err)

	preds, err := model.Predict([]float64{1, 0.1})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "a", preds[0].Label)
	assert.Greater(t, preds[0].Confidence, 0.5)
	assert.InDelta(t, 1, preds[0].Confidence+preds[1].Confidence, 1e-9)

	preds, err = model.Predict([]float64{0.1, 1})
	require.NoError(t, err)
	assert.Equal(t, "b", preds[0].Label)
}

func TestSVMIsDeterministic(t *testing.T) {
	m1, err := TrainSVM(context.Background(), separablePoints(), SVMOptions{}, nil)
	require.NoError(t, err)
	m2, err := TrainSVM(context.Background(), separablePoints(), SVMOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
}

func TestSVMSingleLabel(t *testing.T) {
	model, err := TrainSVM(context.Background(), []DataPoint{{Label: "none", Coordinates: []float64{1}}}, SVMOptions{}, nil)
	require.NoError(t, err)

	preds, err := model.Predict([]float64{0.3})
	require.NoError(t, err)
	assert.Equal(t, []Prediction{{Label: "none", Confidence: 1}}, preds)
}

func TestSVMErrors(t *testing.T) {
	_, err := TrainSVM(context.Background(), nil, SVMOptions{}, nil)
	assert.ErrorIs(t, err, ErrNoPoints)

	_, err = TrainSVM(context.Background(), []DataPoint{
		{Label: "a", Coordinates: []float64{1}},
		{Label: "b", Coordinates: []float64{1, 2}},
	}, SVMOptions{}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	model, err := TrainSVM(context.Background(), separablePoints(), SVMOptions{}, nil)
	require.NoError(t, err)
	_, err = model.Predict([]float64{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = TrainSVM(ctx, separablePoints(), SVMOptions{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSVMReportsProgress(t *testing.T) {
	var last float64
	_, err := TrainSVM(context.Background(), separablePoints(), SVMOptions{}, func(p float64) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 1.0, last)
}

func TestKMeans(t *testing.T) {
	points := [][]float64{{0, 0}, {0.1, 0}, {0, 0.1}, {10, 10}, {10.1, 10}, {10, 10.1}}

	model, err := KMeans(context.Background(), points, 2, KMeansOptions{Seed: 666})
	require.NoError(t, err)
	require.Len(t, model.Centroids, 2)

	clusters := model.Nearest([][]float64{{0.05, 0.05}, {9.9, 9.9}, {0.2, 0.1}})
	assert.NotEqual(t, clusters[0], clusters[1])
	assert.Equal(t, clusters[0], clusters[2])
}

func TestKMeansClampsK(t *testing.T) {
	model, err := KMeans(context.Background(), [][]float64{{1}, {2}}, 8, KMeansOptions{Seed: 666})
	require.NoError(t, err)
	assert.Len(t, model.Centroids, 2)

	_, err = KMeans(context.Background(), nil, 2, KMeansOptions{})
	assert.ErrorIs(t, err, ErrNoPoints)
}

func trainingSequences() []CRFSequence {
	return []CRFSequence{
		{Features: [][]string{{"w=fly"}, {"w=to"}, {"w=paris"}}, Labels: []string{"O", "O", "B-city"}},
		{Features: [][]string{{"w=go"}, {"w=to"}, {"w=london"}}, Labels: []string{"O", "O", "B-city"}},
		{Features: [][]string{{"w=fly"}, {"w=home"}}, Labels: []string{"O", "O"}},
		{Features: [][]string{{"w=new"}, {"w=york"}, {"w=please"}}, Labels: []string{"B-city", "I-city", "O"}},
	}
}

func TestCRFTagsTrainingData(t *testing.T) {
	model, err := TrainCRF(context.Background(), trainingSequences(), CRFOptions{C2: 0.01}, nil)
	require.NoError(t, err)

	labels, prob := model.Tag([][]string{{"w=fly"}, {"w=to"}, {"w=paris"}})
	assert.Equal(t, []string{"O", "O", "B-city"}, labels)
	assert.Greater(t, prob, 0.0)
	assert.LessOrEqual(t, prob, 1.0)

	marginals := model.Marginal([][]string{{"w=new"}, {"w=york"}, {"w=unknown:2"}})
	require.Len(t, marginals, 3)
	for _, m := range marginals {
		sum := 0.0
		for _, p := range m {
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-9)
	}
	assert.Greater(t, marginals[0]["B-city"], 0.5)
	assert.Greater(t, marginals[1]["I-city"], 0.5)
}

func TestCRFBinaryRoundTrip(t *testing.T) {
	model, err := TrainCRF(context.Background(), trainingSequences(), CRFOptions{}, nil)
	require.NoError(t, err)

	blob, err := model.MarshalBinary()
	require.NoError(t, err)

	var loaded CRFModel
	require.NoError(t, loaded.UnmarshalBinary(blob))
	assert.Equal(t, model.Weights, loaded.Weights)
	assert.Equal(t, model.Labels.ToStr, loaded.Labels.ToStr)

	features := [][]string{{"w=go"}, {"w=to"}, {"w=london"}}
	want, _ := model.Tag(features)
	got, _ := loaded.Tag(features)
	assert.Equal(t, want, got)

	assert.Error(t, loaded.UnmarshalBinary([]byte("garbage")))
}

func TestParseAttribute(t *testing.T) {
	key, w := ParseAttribute("word=hello:8")
	assert.Equal(t, "word=hello", key)
	assert.Equal(t, 8.0, w)

	key, w = ParseAttribute("intent=book")
	assert.Equal(t, "intent=book", key)
	assert.Equal(t, 1.0, w)
}
