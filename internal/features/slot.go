package features

import (
	"regexp"
	"slices"
	"strconv"

	"eino_nlu/internal/core"
	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
)

const (
	predictBoost = 3
	intentBoost  = 100
)

var tfidfWeights = []string{"low", "medium", "high"}

// pairedFeatures are combined between the current token and its neighbors.
var pairedFeatures = []string{"word", "inVocab", "weight", "POS"}

var whitespace = regexp.MustCompile(`\s`)

// Feature is one named token attribute. A zero Boost means 1.
type Feature struct {
	Name  string
	Value string
	Boost float64
}

func (f Feature) boost() float64 {
	if f.Boost == 0 {
		return 1
	}
	return f.Boost
}

// Attr renders the feature as a CRF attribute "<prefix><name>=<value>:<boost>".
func (f Feature) Attr(prefix string) string {
	return prefix + f.Name + "=" + f.Value + ":" + strconv.FormatFloat(f.boost(), 'f', -1, 64)
}

func featPairs(feats0, feats1 []Feature, names []string) []Feature {
	find := func(feats []Feature, name string) (Feature, bool) {
		for _, f := range feats {
			if f.Name == name {
				return f, true
			}
		}
		return Feature{}, false
	}
	valueOf := func(f Feature, ok bool) string {
		if !ok {
			return "null"
		}
		return f.Value
	}
	boostOf := func(f Feature, ok bool) float64 {
		if !ok {
			return 1
		}
		return f.boost()
	}

	var out []Feature
	for _, name := range names {
		f0, ok0 := find(feats0, name)
		f1, ok1 := find(feats1, name)
		if !ok0 && !ok1 {
			continue
		}
		out = append(out, Feature{
			Name:  name,
			Value: valueOf(f0, ok0) + "|" + valueOf(f1, ok1),
			Boost: max(boostOf(f0, ok0), boostOf(f1, ok1)),
		})
	}
	return out
}

func wordWeight(t utterance.Token) Feature {
	tierce := tools.ComputeQuantile(3, t.TFIDF(), tools.MaxTFIDF, tools.MinTFIDF)
	return Feature{Name: "weight", Value: tfidfWeights[tierce-1]}
}

func tokenQuartile(u *utterance.Utterance, t utterance.Token) Feature {
	q := tools.ComputeQuantile(4, float64(t.Index()+1), float64(u.Len()), 0)
	return Feature{Name: "quartile", Value: strconv.Itoa(q)}
}

func inVocab(t utterance.Token, intent *core.Intent) Feature {
	lower := t.String(utterance.TokenStringOptions{LowerCase: true})
	return Feature{Name: "inVocab", Value: strconv.FormatBool(intent.Vocab[lower])}
}

func precededBySpace(u *utterance.Utterance, t utterance.Token) Feature {
	space := t.Index() > 0 && u.Token(t.Index()-1).IsSpace()
	return Feature{Name: "space", Value: strconv.FormatBool(space)}
}

func wordFeature(t utterance.Token, isPredict bool) (Feature, bool) {
	if len(t.Entities()) > 0 || !t.IsWord() {
		return Feature{}, false
	}
	f := Feature{Name: "word", Value: t.String(utterance.TokenStringOptions{LowerCase: true})}
	if isPredict {
		f.Boost = predictBoost
	}
	return f, true
}

func entityFeatures(t utterance.Token, allowed []string, isPredict bool) []Feature {
	var types []string
	for _, e := range t.Entities() {
		if slices.Contains(allowed, e.Type) && !slices.Contains(types, e.Type) {
			types = append(types, e.Type)
		}
	}
	if len(types) == 0 {
		types = []string{"none"}
	}

	feats := make([]Feature, len(types))
	for i, typ := range types {
		feats[i] = Feature{Name: "entity", Value: typ}
		if isPredict {
			feats[i].Boost = predictBoost
		}
	}
	return feats
}

// IntentFeature identifies the intent the sequence is tagged for.
func IntentFeature(intent *core.Intent) Feature {
	name := tools.Sanitize(whitespace.ReplaceAllString(intent.Name, ""))
	return Feature{Name: "intent", Value: name, Boost: intentBoost}
}

// TokenFeatures lists the features of a single token.
func TokenFeatures(intent *core.Intent, u *utterance.Utterance, t utterance.Token, isPredict bool) []Feature {
	if t.Value() == "" {
		return nil
	}
	feats := []Feature{
		tokenQuartile(u, t),
		{Name: "cluster", Value: strconv.Itoa(t.Cluster())},
		wordWeight(t),
		inVocab(t, intent),
		precededBySpace(u, t),
		{Name: "alpha", Value: strconv.Itoa(tools.CountAlpha(t.Value()))},
		{Name: "num", Value: strconv.Itoa(tools.CountNum(t.Value()))},
		{Name: "special", Value: strconv.Itoa(tools.CountSpecial(t.Value()))},
	}
	if w, ok := wordFeature(t, isPredict); ok {
		feats = append(feats, w)
	}
	feats = append(feats, Feature{Name: "POS", Value: t.POS()})
	return append(feats, entityFeatures(t, intent.SlotEntities, isPredict)...)
}

func without(feats []Feature, name string) []Feature {
	out := make([]Feature, 0, len(feats))
	for _, f := range feats {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}

func attrs(prefix string, feats []Feature) []string {
	out := make([]string, len(feats))
	for i, f := range feats {
		out[i] = f.Attr(prefix)
	}
	return out
}

// TokenSliceFeatures builds the CRF attributes of one token from its own
// features, the two previous and the next non-space tokens, and the
// pairwise combinations with the direct neighbors.
func TokenSliceFeatures(intent *core.Intent, u *utterance.Utterance, t utterance.Token, isPredict bool) []string {
	var previous, next []utterance.Token
	for _, other := range u.Tokens() {
		if other.IsSpace() {
			continue
		}
		if other.Index() < t.Index() {
			previous = append(previous, other)
		} else if other.Index() > t.Index() && len(next) == 0 {
			next = append(next, other)
		}
	}
	if len(previous) > 2 {
		previous = previous[len(previous)-2:]
	}

	prevFeats := make([][]Feature, len(previous))
	for i, p := range previous {
		feats := without(TokenFeatures(intent, u, p, isPredict), "quartile")
		slices.Reverse(feats)
		prevFeats[i] = feats
	}
	current := without(TokenFeatures(intent, u, t, isPredict), "cluster")
	nextFeats := make([][]Feature, len(next))
	for i, n := range next {
		nextFeats[i] = without(TokenFeatures(intent, u, n, isPredict), "quartile")
	}

	var out []string
	if t.IsBOS() {
		out = append(out, "__BOS__")
	}
	out = append(out, IntentFeature(intent).Attr(""))
	for i, feats := range prevFeats {
		out = append(out, attrs("w[-"+strconv.Itoa(i+1)+"]", feats)...)
	}
	out = append(out, attrs("w[0]", current)...)
	for i, feats := range nextFeats {
		out = append(out, attrs("w["+strconv.Itoa(i+1)+"]", feats)...)
	}
	if len(prevFeats) > 0 {
		out = append(out, attrs("w[-1]|w[0]", featPairs(prevFeats[0], current, pairedFeatures))...)
	}
	if len(nextFeats) > 0 {
		out = append(out, attrs("w[0]|w[1]", featPairs(current, nextFeats[0], pairedFeatures))...)
	}
	if t.IsEOS() {
		out = append(out, "__EOS__")
	}
	return out
}

// SequenceFeatures returns the attributes of every non-space token.
func SequenceFeatures(intent *core.Intent, u *utterance.Utterance, isPredict bool) [][]string {
	var out [][]string
	for _, t := range u.Tokens() {
		if !t.IsSpace() {
			out = append(out, TokenSliceFeatures(intent, u, t, isPredict))
		}
	}
	return out
}
