package prediction

import (
	"math"
	"slices"
	"sort"

	"eino_nlu/internal/core"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/tools"
	"eino_nlu/pkg"
)

const ExactMatchExtractor = "exact-matcher"

// candidate is an intent prediction within one context.
type candidate struct {
	Label      string
	Confidence float64
	Extractor  string
}

func fromML(preds []ml.Prediction) []candidate {
	out := make([]candidate, len(preds))
	for i, p := range preds {
		out[i] = candidate{Label: p.Label, Confidence: p.Confidence}
	}
	return out
}

// promoteExactMatch moves the exact match to the front with confidence 1.
func promoteExactMatch(preds []candidate, label string) []candidate {
	if idx := slices.IndexFunc(preds, func(c candidate) bool { return c.Label == label }); idx >= 0 {
		preds = slices.Delete(preds, idx, idx+1)
	}
	return append([]candidate{{Label: label, Confidence: 1, Extractor: ExactMatchExtractor}}, preds...)
}

// meanByLabel averages the confidence of every label over both lists.
// Labels keep their order of first appearance.
func meanByLabel(a, b []candidate) []candidate {
	var order []string
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, c := range append(slices.Clone(a), b...) {
		if counts[c.Label] == 0 {
			order = append(order, c.Label)
		}
		sums[c.Label] += c.Confidence
		counts[c.Label]++
	}
	out := make([]candidate, len(order))
	for i, l := range order {
		out[i] = candidate{Label: l, Confidence: sums[l] / float64(counts[l])}
	}
	return out
}

func topConfidence(preds []candidate) float64 {
	if len(preds) == 0 {
		return 0
	}
	return preds[0].Confidence
}

func confidences(preds []candidate) []float64 {
	out := make([]float64, len(preds))
	for i, p := range preds {
		out[i] = p.Confidence
	}
	return out
}

// predictionsReallyConfused reports whether the three best predictions are
// too close to tell apart.
func predictionsReallyConfused(preds []candidate) bool {
	if len(preds) <= 2 {
		return false
	}
	std := tools.Std(confidences(preds))
	diff := (preds[0].Confidence - preds[1].Confidence) / std
	if diff >= 2.5 {
		return false
	}
	return tools.Std(confidences(preds[:3])) <= 0.03
}

type electionInput struct {
	includedContexts []string
	ctxPredictions   []ml.Prediction
	perCtx           map[string][]candidate
	oos              *float64
	oosThreshold     float64
	lowIntent        float64
}

func (in electionInput) oosAbove() bool {
	return in.oos != nil && *in.oos > in.oosThreshold
}

func (in electionInput) oosOr(def float64) float64 {
	if in.oos == nil {
		return def
	}
	return *in.oos
}

// electIntent weights the intents of every context by the context
// confidence and splits the probability mass between the two best intents
// of each context. It returns the combined predictions and the elected one.
func electIntent(in electionInput) ([]pkg.ElectedIntent, *pkg.ElectedIntent) {
	total := 0.0
	for _, p := range in.ctxPredictions {
		if slices.Contains(in.includedContexts, p.Label) {
			total += p.Confidence
		}
	}
	total = math.Min(1, total)
	if total == 0 {
		total = 1
	}

	var weighted []pkg.ElectedIntent
	for _, ctxPred := range in.ctxPredictions {
		ctx, ctxConf := ctxPred.Label, ctxPred.Confidence/total

		preds := slices.Clone(in.perCtx[ctx])
		if in.oosAbove() {
			preds = append(preds, candidate{Label: core.NoneIntent, Confidence: in.oosOr(1)})
		}
		for i := range preds {
			preds[i].Confidence = tools.Round(preds[i].Confidence, 2)
		}
		sort.SliceStable(preds, func(i, j int) bool { return preds[i].Confidence > preds[j].Confidence })
		if len(preds) == 0 {
			continue
		}

		if preds[0].Confidence == 1 || len(preds) == 1 {
			weighted = append(weighted, pkg.ElectedIntent{Name: preds[0].Label, Context: ctx, Confidence: 1})
			continue
		}

		if predictionsReallyConfused(preds) {
			preds = append([]candidate{{Label: core.NoneIntent, Confidence: 1}}, preds...)
		}

		var logs []float64
		for _, p := range preds {
			if p.Confidence != 0 {
				logs = append(logs, math.Log(p.Confidence))
			}
		}
		lnstd := tools.Std(logs)
		p1 := tools.GetZPercent((math.Log(preds[0].Confidence) - math.Log(preds[1].Confidence)) / lnstd)
		if math.IsNaN(p1) {
			p1 = 0.5
		}
		weighted = append(weighted,
			pkg.ElectedIntent{Name: preds[0].Label, Context: ctx, Confidence: tools.Round(ctxConf*p1, 3)},
			pkg.ElectedIntent{Name: preds[1].Label, Context: ctx, Confidence: tools.Round(ctxConf*(1-p1), 3)},
		)
	}

	sort.SliceStable(weighted, func(i, j int) bool { return weighted[i].Confidence > weighted[j].Confidence })
	seen := make(map[string]bool)
	var combined []pkg.ElectedIntent
	for _, p := range weighted {
		if !slices.Contains(in.includedContexts, p.Context) || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		combined = append(combined, p)
	}

	ctx := core.DefaultContext
	if len(combined) > 0 {
		ctx = combined[0].Context
	}
	considerOOS := len(combined) > 0 &&
		combined[0].Name != core.NoneIntent &&
		combined[0].Confidence < in.lowIntent &&
		in.oosAbove()

	if len(combined) == 0 || considerOOS {
		var kept []pkg.ElectedIntent
		for _, p := range combined {
			if p.Name != core.NoneIntent {
				kept = append(kept, p)
			}
		}
		combined = append(kept, pkg.ElectedIntent{Name: core.NoneIntent, Context: ctx, Confidence: in.oosOr(1)})
		sort.SliceStable(combined, func(i, j int) bool { return combined[i].Confidence > combined[j].Confidence })
	}

	elected := combined[0]
	for _, p := range combined[1:] {
		if p.Confidence > elected.Confidence {
			elected = p
		}
	}
	return combined, &elected
}

// detectAmbiguity flags predictions all within window of the perfect
// confusion 1/n. A leading none intent is ignored.
func detectAmbiguity(preds []pkg.ElectedIntent, window float64) bool {
	if len(preds) <= 1 {
		return false
	}
	perfect := 1 / float64(len(preds))
	low, up := perfect-window, perfect+window

	vec := make([]float64, len(preds))
	for i, p := range preds {
		vec[i] = p.Confidence
	}
	return tools.AllInRange(vec, low, up) ||
		(preds[0].Name == core.NoneIntent && tools.AllInRange(vec[1:], low, up))
}
