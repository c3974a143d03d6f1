package ml

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

type CRFOptions struct {
	C1            float64 `json:"c1" yaml:"c1"`
	C2            float64 `json:"c2" yaml:"c2"`
	MaxIterations int     `json:"maxIterations" yaml:"max_iterations"`
	LearningRate  float64 `json:"learningRate" yaml:"learning_rate"`
	Seed          int64   `json:"seed" yaml:"seed"`
}

func (o CRFOptions) withDefaults() CRFOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 500
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.Seed == 0 {
		o.Seed = 666
	}
	return o
}

// CRFSequence is one labeled training sequence. Every position holds
// attribute strings of the form "name=value" with an optional ":weight"
// suffix.
type CRFSequence struct {
	Features [][]string
	Labels   []string
}

// Alphabet maps strings to dense ids.
type Alphabet struct {
	ToID  map[string]int
	ToStr []string
}

func NewAlphabet() *Alphabet {
	return &Alphabet{ToID: make(map[string]int)}
}

func (a *Alphabet) Add(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	id := len(a.ToStr)
	a.ToID[s] = id
	a.ToStr = append(a.ToStr, s)
	return id
}

// Get returns the id of s or -1.
func (a *Alphabet) Get(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	return -1
}

func (a *Alphabet) Size() int {
	return len(a.ToStr)
}

// CRFModel is a linear-chain CRF. Weights are laid out as
// [attr*labels + label ... | from*labels + to ...].
type CRFModel struct {
	Labels     *Alphabet
	Attributes *Alphabet
	Weights    []float64
}

type attribute struct {
	id    int
	value float64
}

// ParseAttribute splits "name=value:2.5" into its key and weight.
func ParseAttribute(attr string) (string, float64) {
	if i := strings.LastIndexByte(attr, ':'); i > 0 {
		if w, err := strconv.ParseFloat(attr[i+1:], 64); err == nil {
			return attr[:i], w
		}
	}
	return attr, 1
}

func (m *CRFModel) numLabels() int { return m.Labels.Size() }

func (m *CRFModel) transOffset() int { return m.Attributes.Size() * m.numLabels() }

func (m *CRFModel) encode(features [][]string, grow bool) [][]attribute {
	out := make([][]attribute, len(features))
	for t, attrs := range features {
		for _, a := range attrs {
			key, w := ParseAttribute(a)
			var id int
			if grow {
				id = m.Attributes.Add(key)
			} else if id = m.Attributes.Get(key); id < 0 {
				continue
			}
			out[t] = append(out[t], attribute{id: id, value: w})
		}
	}
	return out
}

func (m *CRFModel) stateScores(seq [][]attribute) [][]float64 {
	L := m.numLabels()
	scores := make([][]float64, len(seq))
	for t, attrs := range seq {
		scores[t] = make([]float64, L)
		for _, a := range attrs {
			base := a.id * L
			for y := 0; y < L; y++ {
				scores[t][y] += m.Weights[base+y] * a.value
			}
		}
	}
	return scores
}

func (m *CRFModel) trans(from, to int) float64 {
	return m.Weights[m.transOffset()+from*m.numLabels()+to]
}

// forwardBackward returns log alphas, log betas and log Z.
func (m *CRFModel) forwardBackward(state [][]float64) ([][]float64, [][]float64, float64) {
	T, L := len(state), m.numLabels()
	alpha := make([][]float64, T)
	beta := make([][]float64, T)
	buf := make([]float64, L)

	for t := 0; t < T; t++ {
		alpha[t] = make([]float64, L)
		for y := 0; y < L; y++ {
			if t == 0 {
				alpha[t][y] = state[t][y]
				continue
			}
			for p := 0; p < L; p++ {
				buf[p] = alpha[t-1][p] + m.trans(p, y)
			}
			alpha[t][y] = logSumExp(buf) + state[t][y]
		}
	}
	for t := T - 1; t >= 0; t-- {
		beta[t] = make([]float64, L)
		if t == T-1 {
			continue
		}
		for y := 0; y < L; y++ {
			for n := 0; n < L; n++ {
				buf[n] = m.trans(y, n) + state[t+1][n] + beta[t+1][n]
			}
			beta[t][y] = logSumExp(buf)
		}
	}
	return alpha, beta, logSumExp(alpha[T-1])
}

// TrainCRF fits the model by stochastic gradient ascent on the conditional
// log-likelihood with elastic-net regularization (C1 for L1, C2 for L2).
func TrainCRF(ctx context.Context, seqs []CRFSequence, opts CRFOptions, progress ProgressFunc) (*CRFModel, error) {
	if len(seqs) == 0 {
		return nil, ErrNoPoints
	}
	opts = opts.withDefaults()

	m := &CRFModel{Labels: NewAlphabet(), Attributes: NewAlphabet()}
	encoded := make([][][]attribute, len(seqs))
	gold := make([][]int, len(seqs))
	for i, s := range seqs {
		if len(s.Features) != len(s.Labels) {
			return nil, fmt.Errorf("sequence %d has %d positions and %d labels: %w", i, len(s.Features), len(s.Labels), ErrDimensionMismatch)
		}
		encoded[i] = m.encode(s.Features, true)
		gold[i] = make([]int, len(s.Labels))
		for t, l := range s.Labels {
			gold[i][t] = m.Labels.Add(l)
		}
	}
	L := m.numLabels()
	m.Weights = make([]float64, m.transOffset()+L*L)

	rng := rand.New(rand.NewSource(opts.Seed))
	n := float64(len(seqs))
	prevLoss := math.Inf(1)
	for epoch := 0; epoch < opts.MaxIterations; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		eta := opts.LearningRate / (1 + float64(epoch)*0.1)
		loss := 0.0
		for _, i := range rng.Perm(len(seqs)) {
			if len(encoded[i]) == 0 {
				continue
			}
			loss += m.step(encoded[i], gold[i], eta)
		}

		decay := 1 - eta*opts.C2/n
		l1 := eta * opts.C1 / n
		for k, w := range m.Weights {
			w *= decay
			switch {
			case w > l1:
				w -= l1
			case w < -l1:
				w += l1
			default:
				w = 0
			}
			m.Weights[k] = w
		}

		reportProgress(progress, float64(epoch+1)/float64(opts.MaxIterations))
		if math.Abs(prevLoss-loss) < 1e-5*max(1, math.Abs(loss)) {
			break
		}
		prevLoss = loss
	}
	reportProgress(progress, 1)
	return m, nil
}

// step applies one gradient update and returns the sequence negative
// log-likelihood before the update.
func (m *CRFModel) step(seq [][]attribute, gold []int, eta float64) float64 {
	L := m.numLabels()
	state := m.stateScores(seq)
	alpha, beta, logZ := m.forwardBackward(state)

	goldScore := 0.0
	for t := range seq {
		goldScore += state[t][gold[t]]
		if t > 0 {
			goldScore += m.trans(gold[t-1], gold[t])
		}
	}

	off := m.transOffset()
	grad := make(map[int]float64)
	for t, attrs := range seq {
		for y := 0; y < L; y++ {
			p := math.Exp(alpha[t][y] + beta[t][y] - logZ)
			for _, a := range attrs {
				grad[a.id*L+y] -= p * a.value
			}
		}
		for _, a := range attrs {
			grad[a.id*L+gold[t]] += a.value
		}
		if t == 0 {
			continue
		}
		for from := 0; from < L; from++ {
			for to := 0; to < L; to++ {
				p := math.Exp(alpha[t-1][from] + m.trans(from, to) + state[t][to] + beta[t][to] - logZ)
				grad[off+from*L+to] -= p
			}
		}
		grad[off+gold[t-1]*L+gold[t]]++
	}

	for k, g := range grad {
		m.Weights[k] += eta * g
	}
	return logZ - goldScore
}

// Marginal returns, for every position, the probability of each label.
func (m *CRFModel) Marginal(features [][]string) []map[string]float64 {
	if len(features) == 0 || m.numLabels() == 0 {
		return nil
	}
	seq := m.encode(features, false)
	state := m.stateScores(seq)
	alpha, beta, logZ := m.forwardBackward(state)

	out := make([]map[string]float64, len(seq))
	for t := range seq {
		out[t] = make(map[string]float64, m.numLabels())
		for y, label := range m.Labels.ToStr {
			out[t][label] = math.Exp(alpha[t][y] + beta[t][y] - logZ)
		}
	}
	return out
}

// Tag returns the Viterbi label sequence and its probability.
func (m *CRFModel) Tag(features [][]string) ([]string, float64) {
	if len(features) == 0 || m.numLabels() == 0 {
		return nil, 0
	}
	L := m.numLabels()
	seq := m.encode(features, false)
	state := m.stateScores(seq)

	score := make([][]float64, len(seq))
	back := make([][]int, len(seq))
	for t := range seq {
		score[t] = make([]float64, L)
		back[t] = make([]int, L)
		for y := 0; y < L; y++ {
			if t == 0 {
				score[t][y] = state[t][y]
				continue
			}
			best, arg := math.Inf(-1), 0
			for p := 0; p < L; p++ {
				if s := score[t-1][p] + m.trans(p, y); s > best {
					best, arg = s, p
				}
			}
			score[t][y] = best + state[t][y]
			back[t][y] = arg
		}
	}

	last := len(seq) - 1
	bestY := 0
	for y := 1; y < L; y++ {
		if score[last][y] > score[last][bestY] {
			bestY = y
		}
	}
	path := make([]string, len(seq))
	y := bestY
	for t := last; t >= 0; t-- {
		path[t] = m.Labels.ToStr[y]
		y = back[t][y]
	}

	_, _, logZ := m.forwardBackward(state)
	return path, math.Exp(score[last][bestY] - logZ)
}

type crfBlob struct {
	Labels     []string
	Attributes []string
	Weights    []float64
}

func alphabetFrom(strs []string) *Alphabet {
	a := NewAlphabet()
	for _, s := range strs {
		a.Add(s)
	}
	return a
}

// MarshalBinary encodes the alphabets and weights as a gob blob.
func (m *CRFModel) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	blob := crfBlob{Labels: m.Labels.ToStr, Attributes: m.Attributes.ToStr, Weights: m.Weights}
	if err := gob.NewEncoder(&buf).Encode(blob); err != nil {
		return nil, fmt.Errorf("failed to encode crf model: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *CRFModel) UnmarshalBinary(data []byte) error {
	var blob crfBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&blob); err != nil {
		return fmt.Errorf("failed to decode crf model: %w", err)
	}
	m.Labels = alphabetFrom(blob.Labels)
	m.Attributes = alphabetFrom(blob.Attributes)
	m.Weights = blob.Weights
	if want := m.transOffset() + m.numLabels()*m.numLabels(); len(m.Weights) != want {
		return fmt.Errorf("crf model has %d weights, expected %d: %w", len(m.Weights), want, ErrDimensionMismatch)
	}
	return nil
}
