package completion

import (
	"strings"
	"unicode/utf8"
)

// Filter masks forbidden words before text leaves the process.
type Filter struct {
	replacer *strings.Replacer
}

// NewFilter builds a filter that replaces each word with one '*' per rune.
func NewFilter(words []string) *Filter {
	var pairs []string
	for _, w := range words {
		if w == "" {
			continue
		}
		pairs = append(pairs, w, strings.Repeat("*", utf8.RuneCountInString(w)))
	}
	if len(pairs) == 0 {
		return &Filter{}
	}
	return &Filter{replacer: strings.NewReplacer(pairs...)}
}

func (f *Filter) Apply(text string) string {
	if f == nil || f.replacer == nil {
		return text
	}
	return f.replacer.Replace(text)
}
