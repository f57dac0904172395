package trust

import (
	"strings"
	"unicode"
)

// NormalizeResult carries the normalized text plus how much the text shrank,
// as a fraction of the original rune count. Heavy shrinkage means the input
// was padded with invisible or look-alike characters.
type NormalizeResult struct {
	Text        string
	ShrinkRatio float64
}

// Normalize defeats literal-match evasion before pattern scanning: invisible
// runes are stripped, homoglyphs fold to ASCII, and runs of horizontal
// whitespace collapse to a single space (line breaks survive). The original
// content is never mutated; only the scorer consumes the result.
func (l *PatternLibrary) Normalize(text string) NormalizeResult {
	originalRunes := 0
	var b strings.Builder
	b.Grow(len(text))

	lastWasSpace := false
	for _, r := range text {
		originalRunes++

		if l.ZeroWidth[r] {
			continue
		}
		if folded, ok := l.Homoglyphs[r]; ok {
			r = folded
		}

		if r != '\n' && r != '\r' && unicode.IsSpace(r) {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}

	normalized := b.String()
	shrink := 0.0
	if originalRunes > 0 {
		normalizedRunes := len([]rune(normalized))
		shrink = 1.0 - float64(normalizedRunes)/float64(originalRunes)
	}
	return NormalizeResult{Text: normalized, ShrinkRatio: shrink}
}

// asciiRatio is the fraction of runes below 0x80.
func asciiRatio(s string) float64 {
	total, ascii := 0, 0
	for _, r := range s {
		total++
		if r < 0x80 {
			ascii++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(ascii) / float64(total)
}

// specialRatio is the fraction of runes that are neither letters, digits,
// nor whitespace.
func specialRatio(s string) float64 {
	total, special := 0, 0
	for _, r := range s {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}
