package features

import (
	"context"
	"fmt"
	"slices"

	"eino_nlu/internal/ml"
	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
)

var posPartitions = [][]string{
	{"VERB", "NOUN"},
	{"DET", "PROPN", "PRON", "ADJ", "AUX"},
	{"CONJ", "CCONJ", "INTJ", "SCONJ", "ADV"},
}

// OOSLabelPrefix prefixes the labels of out-of-scope clusters.
const OOSLabelPrefix = "out"

func averageByPOS(u *utterance.Utterance, classes []string) []float64 {
	var vectors [][]float64
	for _, t := range u.Tokens() {
		if slices.Contains(classes, t.POS()) {
			vectors = append(vectors, tools.ScalarMultiply(t.Vector(), t.TFIDF()))
		}
	}
	avg, err := tools.AverageVectors(vectors)
	if err != nil || avg == nil {
		return tools.Zeroes(u.Dimensions())
	}
	return avg
}

// OOSFeatures concatenates the tf-idf weighted mean vectors of the three
// part-of-speech partitions and appends the token count.
func OOSFeatures(u *utterance.Utterance) []float64 {
	var feats []float64
	for _, classes := range posPartitions {
		feats = append(feats, averageByPOS(u, classes)...)
	}
	return append(feats, float64(u.Len()))
}

// InScopePoints labels the features of every utterance with the intent name.
func InScopePoints(utts []*utterance.Utterance, intent string) []ml.DataPoint {
	points := make([]ml.DataPoint, len(utts))
	for i, u := range utts {
		points[i] = ml.DataPoint{Label: intent, Coordinates: OOSFeatures(u)}
	}
	return points
}

// OOSPoints clusters the none-intent utterances into k groups and labels
// each point out_<cluster>.
func OOSPoints(ctx context.Context, utts []*utterance.Utterance, k int, opts ml.KMeansOptions) ([]ml.DataPoint, error) {
	embeddings := make([][]float64, len(utts))
	for i, u := range utts {
		embeddings[i] = OOSFeatures(u)
	}
	kmeans, err := ml.KMeans(ctx, embeddings, k, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to cluster out of scope utterances: %w", err)
	}

	clusters := kmeans.Nearest(embeddings)
	points := make([]ml.DataPoint, len(utts))
	for i, emb := range embeddings {
		points[i] = ml.DataPoint{Label: fmt.Sprintf("%s_%d", OOSLabelPrefix, clusters[i]), Coordinates: emb}
	}
	return points, nil
}
