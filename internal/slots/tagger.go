// Package slots extracts intent slots with a CRF sequence tagger over BIO
// labels.
package slots

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"eino_nlu/internal/core"
	"eino_nlu/internal/features"
	"eino_nlu/internal/ml"
	"eino_nlu/internal/utterance"
)

// BIO tags
const (
	TagOut    = "o"
	TagBegin  = "B"
	TagInside = "I"
)

const anySuffix = "/any"

// DefaultMinConfidence is the probability under which a slot tag is dropped.
const DefaultMinConfidence = 0.15

// TagResult is the best label of one token.
type TagResult struct {
	Tag         string  `json:"tag"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// ExtractedSlot is a slot with its character span.
type ExtractedSlot struct {
	Slot  utterance.Slot `json:"slot"`
	Start int            `json:"start"`
	End   int            `json:"end"`
}

// LabelizeUtterance returns the BIO label of every non-space token. Slots
// without an entity get an "/any" suffix.
func LabelizeUtterance(u *utterance.Utterance) []string {
	var labels []string
	for _, tok := range u.Tokens() {
		if tok.IsSpace() {
			continue
		}
		slots := tok.Slots()
		if len(slots) == 0 {
			labels = append(labels, TagOut)
			continue
		}
		slot := slots[0]
		tag := TagInside
		if slot.StartTokenIdx == tok.Index() {
			tag = TagBegin
		}
		suffix := ""
		if len(tok.Entities()) == 0 {
			suffix = anySuffix
		}
		labels = append(labels, tag+"-"+slot.Name+suffix)
	}
	return labels
}

// PredictionLabelToTagResult picks the most probable label of a token,
// each label counting together with its "/any" variant.
func PredictionLabelToTagResult(prediction map[string]float64) TagResult {
	labels := make([]string, 0, len(prediction))
	for label := range prediction {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	best, bestProb := "", -1.0
	for _, label := range labels {
		p := prediction[label] + prediction[label+anySuffix]
		if p > bestProb {
			best, bestProb = label, p
		}
	}
	if best == "" {
		return TagResult{Tag: TagOut}
	}

	res := TagResult{Tag: best[:1], Probability: bestProb}
	if len(best) > 2 {
		res.Name = strings.Replace(best[2:], anySuffix, "", 1)
	}
	return res
}

// RemoveInvalidTagsForIntent turns a tag into "o" when it is not confident
// enough or names a slot the intent does not declare.
func RemoveInvalidTagsForIntent(intent *core.Intent, tag TagResult, minConfidence float64) TagResult {
	if tag.Tag == TagOut {
		return tag
	}
	if tag.Probability < minConfidence || !intent.HasSlot(tag.Name) {
		return TagResult{Tag: TagOut, Probability: 1 - tag.Probability}
	}
	return tag
}

func runeSlice(s string, start, end int) string {
	r := []rune(s)
	start = max(0, min(start, len(r)))
	end = max(start, min(end, len(r)))
	return string(r[start:end])
}

// MakeExtractedSlots merges consecutive tags of the same slot into spans
// and resolves their value from an overlapping entity the slot accepts.
func MakeExtractedSlots(intent *core.Intent, u *utterance.Utterance, results []TagResult) []ExtractedSlot {
	var words []utterance.Token
	for _, tok := range u.Tokens() {
		if !tok.IsSpace() {
			words = append(words, tok)
		}
	}

	var combined []ExtractedSlot
	for i := 0; i < len(words) && i < len(results); i++ {
		tok, res := words[i], results[i]
		if res.Tag == TagOut {
			continue
		}

		if n := len(combined); n > 0 && res.Tag == TagInside && combined[n-1].Slot.Name == res.Name {
			last := &combined[n-1]
			// slice the source text in case tokens were split on spaces
			source := runeSlice(u.String(utterance.StringOptions{Entities: utterance.PolicyKeepDefault}), last.Start, tok.End())
			last.Slot.Source = source
			last.Slot.Value = source
			last.End = tok.End()
			continue
		}

		value := tok.String(utterance.DefaultTokenStringOptions)
		combined = append(combined, ExtractedSlot{
			Slot:  utterance.Slot{Name: res.Name, Confidence: res.Probability, Source: value, Value: value},
			Start: tok.Offset(),
			End:   tok.End(),
		})
	}

	for i := range combined {
		ex := &combined[i]
		for _, e := range u.Entities {
			within := e.StartPos <= ex.Start && e.EndPos >= ex.End
			contains := e.StartPos >= ex.Start && e.EndPos <= ex.End
			if (within || contains) && slices.Contains(intent.SlotEntities, e.Type) {
				ex.Slot.Value = e.Value
				break
			}
		}
	}
	return combined
}

// Tagger wraps the CRF model used to tag slots.
type Tagger struct {
	opts          ml.CRFOptions
	minConfidence float64
	model         *ml.CRFModel
}

func NewTagger(opts ml.CRFOptions, minConfidence float64) *Tagger {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Tagger{opts: opts, minConfidence: minConfidence}
}

// Train fits the tagger on the utterances of the given intents.
func (t *Tagger) Train(ctx context.Context, intents []*core.Intent, progress ml.ProgressFunc) error {
	var seqs []ml.CRFSequence
	for _, intent := range intents {
		for _, u := range intent.Utterances {
			feats := features.SequenceFeatures(intent, u, false)
			if len(feats) == 0 {
				continue
			}
			seqs = append(seqs, ml.CRFSequence{Features: feats, Labels: LabelizeUtterance(u)})
		}
	}

	model, err := ml.TrainCRF(ctx, seqs, t.opts, progress)
	if err != nil {
		return fmt.Errorf("failed to train slot tagger: %w", err)
	}
	t.model = model
	return nil
}

// Serialize returns the trained model, or an empty blob when untrained.
func (t *Tagger) Serialize() ([]byte, error) {
	if t.model == nil {
		return []byte{}, nil
	}
	return t.model.MarshalBinary()
}

// Load restores a serialized model. An empty blob leaves the tagger untrained.
func (t *Tagger) Load(data []byte) error {
	if len(data) == 0 {
		t.model = nil
		return nil
	}
	var model ml.CRFModel
	if err := model.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to load slot tagger: %w", err)
	}
	t.model = &model
	return nil
}

func (t *Tagger) Trained() bool {
	return t.model != nil
}

// Extract tags the utterance for the intent and returns its slots.
func (t *Tagger) Extract(u *utterance.Utterance, intent *core.Intent) []ExtractedSlot {
	if t.model == nil {
		return nil
	}
	marginals := t.model.Marginal(features.SequenceFeatures(intent, u, true))
	results := make([]TagResult, len(marginals))
	for i, m := range marginals {
		results[i] = RemoveInvalidTagsForIntent(intent, PredictionLabelToTagResult(m), t.minConfidence)
	}
	return MakeExtractedSlots(intent, u, results)
}
