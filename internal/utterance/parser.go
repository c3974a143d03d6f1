package utterance

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var slotMarkupRegex = regexp.MustCompile(`\[(.+?)\]\(([\w_\. :-]+)\)`)

// Position is a [Start, End) character interval.
type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ParsedSlot is one "[value](name)" markup found in a training example.
type ParsedSlot struct {
	Name          string   `json:"name"`
	Value         string   `json:"value"`
	RawPosition   Position `json:"rawPosition"`
	CleanPosition Position `json:"cleanPosition"`
}

// ParsedPart is a fragment of the clean text, optionally carrying a slot.
type ParsedPart struct {
	Text string
	Slot *ParsedSlot
}

type ParsedUtterance struct {
	Utterance   string
	ParsedSlots []ParsedSlot
	Parts       []ParsedPart
}

// ParseUtterance strips slot markup from a training example. Spaces inside
// the brackets are moved outside of the slot value.
func ParseUtterance(raw string) ParsedUtterance {
	var (
		out    ParsedUtterance
		clean  strings.Builder
		cursor int
	)

	for _, m := range slotMarkupRegex.FindAllStringSubmatchIndex(raw, -1) {
		value := raw[m[2]:m[3]]
		name := raw[m[4]:m[5]]

		inBetween := raw[cursor:m[0]]
		trimmedLeft := strings.TrimLeftFunc(value, unicode.IsSpace)
		nbPrefix := utf8.RuneCountInString(value) - utf8.RuneCountInString(trimmedLeft)
		trimmed := strings.TrimRightFunc(trimmedLeft, unicode.IsSpace)
		nbTrailing := utf8.RuneCountInString(trimmedLeft) - utf8.RuneCountInString(trimmed)

		inBetween += strings.Repeat(" ", nbPrefix)
		trailing := strings.Repeat(" ", nbTrailing)

		clean.WriteString(inBetween)
		clean.WriteString(trimmed)
		clean.WriteString(trailing)
		cleanLen := utf8.RuneCountInString(clean.String())
		valueLen := utf8.RuneCountInString(trimmed)

		rawStart := utf8.RuneCountInString(raw[:m[0]])
		slot := ParsedSlot{
			Name:  name,
			Value: trimmed,
			RawPosition: Position{
				Start: rawStart,
				End:   rawStart + utf8.RuneCountInString(raw[m[0]:m[1]]),
			},
			CleanPosition: Position{
				Start: cleanLen - nbTrailing - valueLen,
				End:   cleanLen - nbTrailing,
			},
		}
		out.ParsedSlots = append(out.ParsedSlots, slot)

		for _, p := range []ParsedPart{{Text: inBetween}, {Text: trimmed, Slot: &slot}, {Text: trailing}} {
			if p.Text != "" {
				out.Parts = append(out.Parts, p)
			}
		}
		cursor = m[1]
	}

	if cursor < len(raw) {
		clean.WriteString(raw[cursor:])
		out.Parts = append(out.Parts, ParsedPart{Text: raw[cursor:]})
	}
	out.Utterance = clean.String()
	return out
}
