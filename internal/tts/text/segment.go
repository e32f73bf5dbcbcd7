package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segment splits narration text into pieces of at most maxChars runes. Pieces break at
// paragraph ends first, then sentence ends, then spaces; a single word longer than maxChars
// is cut. A maxChars of zero or less returns the text as one segment.
func Segment(input string, maxChars int) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}

	if maxChars <= 0 || utf8.RuneCountInString(input) <= maxChars {
		return []string{input}
	}

	var (
		segments []string
		current  strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, sentence := range sentences(input) {
		for _, piece := range splitLong(sentence, maxChars) {
			needed := utf8.RuneCountInString(piece)
			if current.Len() > 0 {
				needed += utf8.RuneCountInString(current.String()) + 1
			}

			if needed > maxChars {
				flush()
			}

			if current.Len() > 0 {
				current.WriteByte(' ')
			}

			current.WriteString(piece)
		}
	}

	flush()

	return segments
}

// sentences breaks text after '.', '!' or '?' followed by whitespace, and at newlines.
func sentences(input string) []string {
	var (
		result []string
		start  int
	)

	runes := []rune(input)

	for index, char := range runes {
		boundary := char == '\n'

		if !boundary && (char == '.' || char == '!' || char == '?') {
			boundary = index+1 < len(runes) && unicode.IsSpace(runes[index+1])
		}

		if !boundary {
			continue
		}

		if sentence := strings.TrimSpace(string(runes[start : index+1])); sentence != "" {
			result = append(result, sentence)
		}

		start = index + 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		result = append(result, tail)
	}

	return result
}

// splitLong breaks a sentence longer than maxChars at word boundaries.
func splitLong(sentence string, maxChars int) []string {
	if utf8.RuneCountInString(sentence) <= maxChars {
		return []string{sentence}
	}

	var (
		pieces  []string
		current []rune
	)

	for _, word := range strings.Fields(sentence) {
		wordRunes := []rune(word)

		for len(wordRunes) > maxChars {
			if len(current) > 0 {
				pieces = append(pieces, string(current))
				current = nil
			}

			pieces = append(pieces, string(wordRunes[:maxChars]))
			wordRunes = wordRunes[maxChars:]
		}

		if len(current) > 0 && len(current)+1+len(wordRunes) > maxChars {
			pieces = append(pieces, string(current))
			current = nil
		}

		if len(current) > 0 {
			current = append(current, ' ')
		}

		current = append(current, wordRunes...)
	}

	if len(current) > 0 {
		pieces = append(pieces, string(current))
	}

	return pieces
}
