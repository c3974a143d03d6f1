package entities

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
)

// ScoreThreshold is the minimum confidence of an extracted list entity.
const ScoreThreshold = 0.6

const (
	ExtractorList    = "list"
	ExtractorPattern = "pattern"
	ExtractorSystem  = "system"
)

// ExtractedEntity is an entity with its character span in the utterance.
type ExtractedEntity struct {
	utterance.Entity
	Start int `json:"start"`
	End   int `json:"end"`
}

// ListCache caches list extractions by lower-cased utterance text.
type ListCache = cache.LRU[[]ExtractedEntity]

// CanonicalTokens holds the tokenized occurrences of one canonical value.
type CanonicalTokens struct {
	Canonical   string     `json:"canonical"`
	Occurrences [][]string `json:"occurrences"`
}

type ListEntityModel struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	EntityName     string              `json:"entityName"`
	FuzzyTolerance float64             `json:"fuzzyTolerance"`
	Sensitive      bool                `json:"sensitive"`
	Mappings       map[string][]string `json:"mappings"`
	MappingsTokens []CanonicalTokens   `json:"mappingsTokens"`
	Cache          *ListCache          `json:"-"`
}

type candidate struct {
	score      float64
	canonical  string
	start, end int
	source     string
	occurrence string
	eliminated bool
}

// takeUntil collects tokens from start until their summed length is the
// closest to desired. A trailing space token is dropped.
func takeUntil(toks []utterance.Token, start, desired int) []utterance.Token {
	total := 0
	var out []utterance.Token
	for _, t := range toks[start:] {
		toAdd := utf8.RuneCountInString(t.String(utterance.DefaultTokenStringOptions))
		current := total
		if current > 0 && abs(desired-current) < abs(desired-current-toAdd) {
			break
		}
		total += toAdd
		if current >= desired {
			break
		}
		out = append(out, t)
	}
	if len(out) > 0 && out[len(out)-1].IsSpace() {
		out = out[:len(out)-1]
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func computeExactScore(a, b []string) float64 {
	r1 := []rune(strings.Join(a, ""))
	r2 := []rune(strings.Join(b, ""))
	lo, hi := min(len(r1), len(r2)), max(len(r1), len(r2))
	if hi == 0 {
		return 0
	}
	score := 0
	for i := 0; i < lo; i++ {
		if r1[i] == r2[i] {
			score++
		}
	}
	return float64(score) / float64(hi)
}

func computeFuzzyScore(a, b []string) float64 {
	s1 := strings.Join(a, "")
	s2 := strings.Join(b, "")
	return (tools.LevenshteinSimilarity(s1, s2) + tools.JaroWinkler(s1, s2, false)) / 2
}

func charset(toks []string, lower bool) map[rune]bool {
	set := make(map[rune]bool)
	for _, t := range toks {
		if lower {
			t = strings.ToLower(t)
		}
		for _, r := range t {
			set[r] = true
		}
	}
	return set
}

func jaccard(a, b map[rune]bool) float64 {
	inter := 0
	for r := range a {
		if b[r] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func countLongTokens(toks []string) int {
	n := 0
	for _, t := range toks {
		if utf8.RuneCountInString(t) > 1 {
			n++
		}
	}
	return max(1, n)
}

func totalLength(toks []string) int {
	n := 0
	for _, t := range toks {
		n += utf8.RuneCountInString(t)
	}
	return n
}

// computeStructuralScore is the geometric mean of charset overlap, token
// count ratio and total length ratio.
func computeStructuralScore(a, b []string) float64 {
	charsetScore := (jaccard(charset(a, false), charset(b, false)) + jaccard(charset(a, true), charset(b, true))) / 2

	la, lb := countLongTokens(a), countLongTokens(b)
	qtyScore := float64(min(la, lb)) / float64(max(la, lb))

	s1, s2 := totalLength(a), totalLength(b)
	if max(s1, s2) == 0 {
		return 0
	}
	sizeScore := float64(min(s1, s2)) / float64(max(s1, s2))

	return math.Sqrt(charsetScore * qtyScore * sizeScore)
}

func tokenStrings(toks []utterance.Token, lower bool) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.String(utterance.TokenStringOptions{LowerCase: lower, RealSpaces: true})
	}
	return out
}

func lowerAll(toks []string) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = strings.ToLower(t)
	}
	return out
}

func extractForListModel(u *utterance.Utterance, model *ListEntityModel) []ExtractedEntity {
	toks := u.Tokens()
	var candidates []*candidate
	longest := 0

	for _, mapping := range model.MappingsTokens {
		for _, occurrence := range mapping.Occurrences {
			occurrenceStr := strings.Join(occurrence, "")
			for i := range toks {
				if toks[i].IsSpace() {
					continue
				}
				workset := takeUntil(toks, i, totalLength(occurrence))
				if len(workset) == 0 {
					continue
				}
				worksetLow := tokenStrings(workset, true)
				worksetCase := tokenStrings(workset, false)
				longest = max(longest, utf8.RuneCountInString(occurrenceStr))

				exactScore := 0.0
				if computeExactScore(worksetCase, occurrence) == 1 {
					exactScore = 1
				}
				fuzzy := model.FuzzyTolerance < 1 && totalLength(worksetLow) >= 4
				fuzzyScore := computeFuzzyScore(worksetLow, lowerAll(occurrence))
				fuzzyFactor := 0.0
				if fuzzyScore >= model.FuzzyTolerance {
					fuzzyFactor = fuzzyScore
				}
				structural := computeStructuralScore(worksetCase, occurrence)

				final := exactScore * structural
				if fuzzy {
					final = fuzzyFactor * structural
				}
				candidates = append(candidates, &candidate{
					score:      tools.Round(final, 2),
					canonical:  mapping.Canonical,
					start:      i,
					end:        i + len(workset) - 1,
					source:     strings.Join(worksetCase, ""),
					occurrence: occurrenceStr,
				})
			}
		}

		eliminateOverlaps(candidates, len(toks), longest)
	}

	var out []ExtractedEntity
	for _, c := range candidates {
		if c.eliminated || c.score < ScoreThreshold {
			continue
		}
		last := toks[c.end]
		out = append(out, ExtractedEntity{
			Entity: utterance.Entity{
				Type:       model.EntityName,
				Value:      c.canonical,
				Confidence: c.score,
				Metadata: utterance.EntityMetadata{
					Extractor:  ExtractorList,
					Source:     c.source,
					Occurrence: c.occurrence,
					EntityID:   model.ID,
				},
			},
			Start: toks[c.start].Offset(),
			End:   last.Offset() + last.Len(),
		})
	}
	return out
}

// eliminateOverlaps keeps, for every token position, only the best
// candidate covering it. Longer matches win ties, up to the longest
// occurrence length.
func eliminateOverlaps(candidates []*candidate, nbTokens, longest int) {
	rank := func(c *candidate) float64 {
		return c.score * math.Pow(float64(min(utf8.RuneCountInString(c.source), longest)), 1.0/5)
	}
	for i := 0; i < nbTokens; i++ {
		var covering []*candidate
		for _, c := range candidates {
			if !c.eliminated && c.start <= i && c.end >= i {
				covering = append(covering, c)
			}
		}
		if len(covering) < 2 {
			continue
		}
		sort.SliceStable(covering, func(a, b int) bool { return rank(covering[a]) > rank(covering[b]) })
		for _, loser := range covering[1:] {
			loser.eliminated = true
		}
	}
}

// ExtractListEntities runs every list model over u. With useCache, models
// holding a cached result for the utterance text skip matching and fresh
// non-empty results are cached.
func ExtractListEntities(u *utterance.Utterance, models []*ListEntityModel, useCache bool) []ExtractedEntity {
	key := u.String(utterance.StringOptions{LowerCase: true})

	var matches []ExtractedEntity
	var toExtract []*ListEntityModel
	for _, m := range models {
		if useCache && m.Cache != nil {
			if cached, ok := m.Cache.Get(key); ok {
				matches = append(matches, cached...)
				continue
			}
		}
		toExtract = append(toExtract, m)
	}

	for _, m := range toExtract {
		extracted := extractForListModel(u, m)
		if len(extracted) == 0 {
			continue
		}
		if useCache && m.Cache != nil {
			m.Cache.Set(key, extracted)
		}
		matches = append(matches, extracted...)
	}
	return matches
}

// TagAll attaches extracted entities to u, ignoring spans that no longer
// fit the utterance.
func TagAll(u *utterance.Utterance, extracted []ExtractedEntity) {
	for _, e := range extracted {
		_ = u.TagEntity(e.Entity, e.Start, e.End)
	}
}
