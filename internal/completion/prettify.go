package completion

import (
	"strings"
	"unicode/utf8"
)

const (
	asciiTerminators = ".!?"
	wideTerminators  = "。！？!?"
)

// Prettifier trims raw completion output into something short enough to speak.
type Prettifier struct {
	MaxWords int // ASCII text
	MaxRunes int // everything else
}

func (p Prettifier) Prettify(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	if IsASCII(text) {
		words := strings.Fields(text)
		if p.MaxWords > 0 && len(words) > p.MaxWords {
			words = words[:p.MaxWords]
		}
		return cutAfterLast(strings.Join(words, " "), asciiTerminators)
	}
	runes := []rune(text)
	if p.MaxRunes > 0 && len(runes) > p.MaxRunes {
		runes = runes[:p.MaxRunes]
	}
	return cutAfterLast(string(runes), wideTerminators)
}

func cutAfterLast(text, terminators string) string {
	idx := strings.LastIndexAny(text, terminators)
	if idx < 0 {
		return text
	}
	_, size := utf8.DecodeRuneInString(text[idx:])
	return text[:idx+size]
}
