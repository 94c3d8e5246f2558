// Package moderation masks muted words in message content before it is displayed.
// Matching ignores case, punctuation and spacing, and folds common leet substitutions,
// so "B.4.d" matches "bad".
package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

const DefaultMask = '*'

// Filter is safe for concurrent use once built. A nil *Filter masks nothing.
type Filter struct {
	machine *goahocorasick.Machine
	mask    rune
}

// folded is the searchable form of a text and, per folded rune, its position in the original.
type folded struct {
	runes     []rune
	positions []int
}

// NewFilter builds the matcher. Words that fold to nothing are ignored.
// It returns a nil Filter when no usable word is left.
func NewFilter(words []string, mask rune) (*Filter, error) {
	var patterns [][]rune
	for _, w := range words {
		if f := fold(w); len(f.runes) > 0 {
			patterns = append(patterns, f.runes)
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	if mask == 0 {
		mask = DefaultMask
	}
	return &Filter{machine: m, mask: mask}, nil
}

// Mask replaces every muted occurrence with the mask rune, keeping the rest of the text.
// It returns the masked text and the muted words found, in order of appearance.
func (f *Filter) Mask(content string) (string, []string) {
	if f == nil || content == "" {
		return content, nil
	}
	text := fold(content)
	if len(text.runes) == 0 {
		return content, nil
	}
	hits := f.machine.MultiPatternSearch(text.runes, false)
	if len(hits) == 0 {
		return content, nil
	}

	out := []rune(content)
	var found []string
	for _, hit := range hits {
		start, end := hit.Pos, hit.Pos+len(hit.Word)
		if start < 0 || end > len(text.positions) {
			continue
		}
		for i := text.positions[start]; i <= text.positions[end-1]; i++ {
			out[i] = f.mask
		}
		found = append(found, string(hit.Word))
	}
	return string(out), found
}

func fold(s string) folded {
	original := []rune(s)
	f := folded{runes: make([]rune, 0, len(original)), positions: make([]int, 0, len(original))}
	for i, r := range original {
		r = unleet(r)
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			continue
		}
		f.runes = append(f.runes, unicode.ToLower(r))
		f.positions = append(f.positions, i)
	}
	return f
}

func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}
