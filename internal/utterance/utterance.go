package utterance

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"eino_nlu/internal/tools"
)

// ErrInvalidRange is returned when a tag span falls outside the utterance.
var ErrInvalidRange = errors.New("invalid range")

// Policy controls how tagged tokens render in String.
type Policy string

const (
	PolicyUnset       Policy = ""
	PolicyKeepValue   Policy = "keep-value"
	PolicyKeepName    Policy = "keep-name"
	PolicyKeepDefault Policy = "keep-default"
	PolicyIgnore      Policy = "ignore"
)

// StringOptions drives Utterance.String.
type StringOptions struct {
	LowerCase bool
	OnlyWords bool
	Slots     Policy
	Entities  Policy
}

// TokenStringOptions drives Token.String.
type TokenStringOptions struct {
	LowerCase  bool
	RealSpaces bool
	Trim       bool
}

var DefaultTokenStringOptions = TokenStringOptions{RealSpaces: true}

// EntityMetadata describes where an entity comes from.
type EntityMetadata struct {
	Extractor  string `json:"extractor"`
	Source     string `json:"source"`
	EntityID   string `json:"entityId"`
	Occurrence string `json:"occurrence,omitempty"`
	Unit       string `json:"unit,omitempty"`
}

type Entity struct {
	Type       string         `json:"type"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	Metadata   EntityMetadata `json:"metadata"`
}

type Slot struct {
	Name       string  `json:"name"`
	Source     string  `json:"source"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Span is a closed character interval converted to token indexes.
type Span struct {
	StartPos      int `json:"startPos"`
	EndPos        int `json:"endPos"`
	StartTokenIdx int `json:"startTokenIdx"`
	EndTokenIdx   int `json:"endTokenIdx"`
}

func (s Span) covers(idx int) bool {
	return s.StartTokenIdx <= idx && s.EndTokenIdx >= idx
}

type EntityTag struct {
	Entity
	Span
}

type SlotTag struct {
	Slot
	Span
}

// Clusterer assigns a cluster to each point.
type Clusterer interface {
	Nearest(points [][]float64) []int
}

type tokenData struct {
	value   string
	offset  int
	length  int
	vector  []float64
	pos     string
	isWord  bool
	isSpace bool
}

// Utterance is a tokenized, annotatable sentence. Tokens live in an arena
// owned by the utterance; entity and slot tags are two independent lists.
type Utterance struct {
	Language string
	Entities []EntityTag
	Slots    []SlotTag

	tokens      []tokenData
	globalTfidf map[string]float64
	kmeans      Clusterer
	embedding   []float64
}

// New builds an utterance from parallel token, vector and POS sequences.
func New(tokens []string, vectors [][]float64, posTags []string, language string) (*Utterance, error) {
	if len(vectors) != len(tokens) || len(posTags) != len(tokens) {
		return nil, fmt.Errorf("tokens, vectors and pos tags dimensions must match (%d, %d, %d)", len(tokens), len(vectors), len(posTags))
	}

	u := &Utterance{Language: language, tokens: make([]tokenData, len(tokens))}
	offset := 0
	for i, value := range tokens {
		n := utf8.RuneCountInString(value)
		u.tokens[i] = tokenData{
			value:   value,
			offset:  offset,
			length:  n,
			vector:  vectors[i],
			pos:     posTags[i],
			isWord:  tools.IsWord(value),
			isSpace: tools.IsSpace(value),
		}
		offset += n
	}
	return u, nil
}

// Tokens returns views over every token.
func (u *Utterance) Tokens() []Token {
	out := make([]Token, len(u.tokens))
	for i := range u.tokens {
		out[i] = Token{u: u, idx: i}
	}
	return out
}

func (u *Utterance) Token(i int) Token {
	return Token{u: u, idx: i}
}

func (u *Utterance) Len() int {
	return len(u.tokens)
}

// TextLength is the character length of the tokenized text.
func (u *Utterance) TextLength() int {
	if len(u.tokens) == 0 {
		return 0
	}
	last := u.tokens[len(u.tokens)-1]
	return last.offset + last.length
}

func (u *Utterance) SetGlobalTFIDF(tfidf map[string]float64) {
	u.globalTfidf = tfidf
	u.embedding = nil
}

func (u *Utterance) GlobalTFIDF() map[string]float64 {
	return u.globalTfidf
}

func (u *Utterance) SetKmeans(k Clusterer) {
	u.kmeans = k
}

// Dimensions is the embedding size of the token vectors.
func (u *Utterance) Dimensions() int {
	if len(u.tokens) == 0 {
		return 0
	}
	return len(u.tokens[0].vector)
}

// SentenceEmbedding averages the word token vectors, each normalized and
// weighted by its tf-idf clamped to 1. Memoized.
func (u *Utterance) SentenceEmbedding() []float64 {
	if u.embedding != nil {
		return u.embedding
	}
	u.embedding = WeightedEmbedding(u, func(t Token) bool { return t.IsWord() })
	return u.embedding
}

// WeightedEmbedding is the tf-idf weighted mean of the normalized vectors
// of the tokens accepted by keep. It is a zero vector when no token is kept.
func WeightedEmbedding(u *Utterance, keep func(Token) bool) []float64 {
	dims := u.Dimensions()
	sum := make([]float64, dims)
	totalWeight := 0.0
	for _, tok := range u.Tokens() {
		norm := tools.ComputeNorm(tok.Vector())
		if norm <= 0 || !keep(tok) || len(tok.Vector()) != dims {
			continue
		}
		weight := min(1, tok.TFIDF())
		totalWeight += weight
		for i, x := range tok.Vector() {
			sum[i] += x / (norm / weight)
		}
	}
	if totalWeight == 0 {
		return tools.Zeroes(dims)
	}
	return tools.ScalarDivide(sum, totalWeight)
}

// String renders the utterance back to text.
func (u *Utterance) String(opts StringOptions) string {
	if opts.Slots == PolicyUnset {
		opts.Slots = PolicyKeepValue
	}

	var b strings.Builder
	for _, tok := range u.Tokens() {
		slots := tok.Slots()
		entities := tok.Entities()
		if opts.OnlyWords && len(slots) == 0 && !tok.IsWord() {
			continue
		}

		toAdd := ""
		if len(slots) == 0 && len(entities) == 0 {
			toAdd = tok.Value()
		}
		switch {
		case len(slots) > 0 && opts.Slots == PolicyKeepName:
			toAdd = slots[0].Name
		case len(slots) > 0 && opts.Slots == PolicyKeepValue:
			toAdd = tok.Value()
		case len(entities) > 0 && opts.Entities == PolicyKeepName:
			toAdd = entities[0].Type
		case len(entities) > 0 && opts.Entities == PolicyKeepValue:
			toAdd = entities[0].Value
		case len(entities) > 0 && opts.Entities == PolicyKeepDefault:
			toAdd = tok.Value()
		}
		b.WriteString(toAdd)
	}

	final := b.String()
	if opts.LowerCase {
		final = strings.ToLower(final)
	}
	return tools.ConvertToRealSpaces(final)
}

// Text renders the utterance with default options.
func (u *Utterance) Text() string {
	return u.String(StringOptions{})
}

// Clone copies tokens, vectors and tf-idf into a new utterance with its
// own annotation lists. The k-means model is not carried over.
func (u *Utterance) Clone(copyEntities, copySlots bool) *Utterance {
	c := &Utterance{
		Language: u.Language,
		tokens:   append([]tokenData(nil), u.tokens...),
	}
	if u.globalTfidf != nil {
		c.globalTfidf = make(map[string]float64, len(u.globalTfidf))
		for k, v := range u.globalTfidf {
			c.globalTfidf[k] = v
		}
	}
	if copyEntities {
		c.Entities = append([]EntityTag(nil), u.Entities...)
	}
	if copySlots {
		c.Slots = append([]SlotTag(nil), u.Slots...)
	}
	return c
}

func (u *Utterance) validateRange(start, end int) error {
	maxEnd := u.TextLength()
	if start < 0 || start > end || start > maxEnd || end > maxEnd {
		return fmt.Errorf("[%d, %d] over %d characters: %w", start, end, maxEnd, ErrInvalidRange)
	}
	return nil
}

func (u *Utterance) coveredSpan(start, end int) (Span, bool) {
	first, last := -1, -1
	for i, t := range u.tokens {
		if t.offset >= start && t.offset+t.length <= end {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return Span{}, false
	}
	return Span{StartPos: start, EndPos: end, StartTokenIdx: first, EndTokenIdx: last}, true
}

// TagEntity attaches e to the tokens fully inside [start, end]. A span that
// covers no token is ignored.
func (u *Utterance) TagEntity(e Entity, start, end int) error {
	if err := u.validateRange(start, end); err != nil {
		return err
	}
	span, ok := u.coveredSpan(start, end)
	if !ok {
		return nil
	}
	u.Entities = append(u.Entities, EntityTag{Entity: e, Span: span})
	return nil
}

// TagSlot attaches s to the tokens fully inside [start, end]. A span that
// covers no token is ignored.
func (u *Utterance) TagSlot(s Slot, start, end int) error {
	if err := u.validateRange(start, end); err != nil {
		return err
	}
	span, ok := u.coveredSpan(start, end)
	if !ok {
		return nil
	}
	u.Slots = append(u.Slots, SlotTag{Slot: s, Span: span})
	return nil
}

// Token is a read-only view of one token of an Utterance.
type Token struct {
	u   *Utterance
	idx int
}

func (t Token) data() *tokenData      { return &t.u.tokens[t.idx] }
func (t Token) Index() int            { return t.idx }
func (t Token) Value() string         { return t.data().value }
func (t Token) Offset() int           { return t.data().offset }
func (t Token) Len() int              { return t.data().length }
func (t Token) End() int              { return t.data().offset + t.data().length }
func (t Token) Vector() []float64     { return t.data().vector }
func (t Token) POS() string           { return t.data().pos }
func (t Token) IsWord() bool          { return t.data().isWord }
func (t Token) IsSpace() bool         { return t.data().isSpace }
func (t Token) IsBOS() bool           { return t.idx == 0 }
func (t Token) IsEOS() bool           { return t.idx == len(t.u.tokens)-1 }
func (t Token) Utterance() *Utterance { return t.u }

func (t Token) Slots() []SlotTag {
	var out []SlotTag
	for _, s := range t.u.Slots {
		if s.covers(t.idx) {
			out = append(out, s)
		}
	}
	return out
}

func (t Token) Entities() []EntityTag {
	var out []EntityTag
	for _, e := range t.u.Entities {
		if e.covers(t.idx) {
			out = append(out, e)
		}
	}
	return out
}

// TFIDF looks the lower-cased value up in the global table, defaulting to 1.
func (t Token) TFIDF() float64 {
	if v, ok := t.u.globalTfidf[strings.ToLower(t.Value())]; ok && v != 0 {
		return v
	}
	return 1
}

// Cluster is the k-means cluster of the token vector, 1 without a model.
func (t Token) Cluster() int {
	if t.u.kmeans == nil {
		return 1
	}
	res := t.u.kmeans.Nearest([][]float64{t.Vector()})
	if len(res) == 0 {
		return 1
	}
	return res[0]
}

func (t Token) String(opts TokenStringOptions) string {
	result := t.Value()
	if opts.LowerCase {
		result = strings.ToLower(result)
	}
	if opts.RealSpaces {
		result = tools.ConvertToRealSpaces(result)
	}
	if opts.Trim {
		result = strings.TrimSpace(result)
	}
	return result
}
