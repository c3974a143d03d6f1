package entities

import (
	"regexp"
	"unicode/utf8"

	"eino_nlu/internal/tools"
	"eino_nlu/internal/utterance"
)

type PatternEntityModel struct {
	Name      string   `json:"name"`
	Pattern   string   `json:"pattern"`
	MatchCase bool     `json:"matchCase"`
	Examples  []string `json:"examples,omitempty"`
}

func (m PatternEntityModel) compile() (*regexp.Regexp, error) {
	if m.MatchCase {
		return regexp.Compile(m.Pattern)
	}
	return regexp.Compile("(?i)" + m.Pattern)
}

// ExtractPatternEntities applies every pattern to the utterance text.
// Models whose pattern does not compile are skipped; they are expected to
// be filtered out by IsPatternValid beforehand.
func ExtractPatternEntities(u *utterance.Utterance, models []PatternEntityModel) []ExtractedEntity {
	input := u.Text()
	inputLen := utf8.RuneCountInString(input)

	var out []ExtractedEntity
	for _, m := range models {
		re, err := m.compile()
		if err != nil {
			continue
		}
		for _, res := range tools.ExtractPattern(input, re) {
			out = append(out, ExtractedEntity{
				Entity: utterance.Entity{
					Type:       m.Name,
					Value:      res.Value,
					Confidence: 1,
					Metadata: utterance.EntityMetadata{
						Extractor: ExtractorPattern,
						Source:    res.Value,
						EntityID:  "custom.pattern." + m.Name,
					},
				},
				Start: max(0, res.SourceIndex),
				End:   min(inputLen, res.SourceIndex+utf8.RuneCountInString(res.Value)),
			})
		}
	}
	return out
}
