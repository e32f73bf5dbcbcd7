// Package text prepares chapter text for narration by a speech service.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// NumberBaseTen represents the base for decimal number system.
	NumberBaseTen = 10
	// NumberBaseTwenty represents the boundary for teen numbers.
	NumberBaseTwenty = 20
	// NumberBaseHundred represents the base for hundreds.
	NumberBaseHundred = 100
	// NumberBaseThousand represents the base for thousands.
	NumberBaseThousand = 1000
	// MaxNumberForWords represents the maximum number that can be converted to words.
	MaxNumberForWords = 999999
)

// Regex patterns for narration cleanup.
const (
	numberRegexPattern    = `\b\d{1,6}\b`
	referenceRegexPattern = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	spacesRegexPattern    = `[ \t\f\v\p{Zs}]+`
	repeatedPunctPattern  = `([!?,;:])[!?,;:]+`
	ellipsisRegexPattern  = `\.{3,}`
)

// Preprocessor normalizes chapter text so the speech service reads it naturally.
type Preprocessor struct {
	numberPattern        *regexp.Regexp
	referencePattern     *regexp.Regexp
	spacesPattern        *regexp.Regexp
	repeatedPunctPattern *regexp.Regexp
	ellipsisPattern      *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
}

// NewPreprocessor creates a new text preprocessor with compiled patterns and replacers.
func NewPreprocessor() *Preprocessor {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Missus",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Prof.", "Professor",
		"Capt.", "Captain",
		"Lt.", "Lieutenant",
		"Gen.", "General",
	}

	punctuation := []string{
		"—", ", ", // em dash reads as a pause
		"–", "-",
		"‒", "-",
		"…", "...",
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
		"\u00a0", " ",
		"\u00ad", "",
	}

	return &Preprocessor{
		numberPattern:        regexp.MustCompile(numberRegexPattern),
		referencePattern:     regexp.MustCompile(referenceRegexPattern),
		spacesPattern:        regexp.MustCompile(spacesRegexPattern),
		repeatedPunctPattern: regexp.MustCompile(repeatedPunctPattern),
		ellipsisPattern:      regexp.MustCompile(ellipsisRegexPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		punctuationReplacer:  strings.NewReplacer(punctuation...),
	}
}

// PreprocessText returns text ready for narration. Paragraph breaks are kept as single newlines.
func (p *Preprocessor) PreprocessText(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	normalized := norm.NFC.String(input)
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")
	normalized = p.punctuationReplacer.Replace(normalized)
	normalized = p.referencePattern.ReplaceAllString(normalized, "")
	normalized = p.abbreviationReplacer.Replace(normalized)
	normalized = p.normalizeNumbers(normalized)
	normalized = p.ellipsisPattern.ReplaceAllString(normalized, "...")
	normalized = p.repeatedPunctPattern.ReplaceAllString(normalized, "$1")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(p.spacesPattern.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}

		paragraphs = append(paragraphs, ensureSentenceEnding(line))
	}

	return strings.Join(paragraphs, "\n")
}

// normalizeNumbers spells out standalone integers up to MaxNumberForWords.
func (p *Preprocessor) normalizeNumbers(input string) string {
	return p.numberPattern.ReplaceAllStringFunc(input, func(match string) string {
		num, err := strconv.Atoi(match)
		if err != nil {
			return match
		}

		return IntegerToWords(num)
	})
}

func ensureSentenceEnding(line string) string {
	lastChar, _ := utf8.DecodeLastRuneInString(line)

	switch {
	case lastChar == '.' || lastChar == '!' || lastChar == '?':
		return line
	case lastChar == '"' || lastChar == '\'' || lastChar == ')':
		return line
	case unicode.IsPunct(lastChar):
		return strings.TrimRightFunc(line, unicode.IsPunct) + "."
	default:
		return line + "."
	}
}

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = []string{
		"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
	}
)

// IntegerToWords spells out number in English. Values outside [0, MaxNumberForWords] are
// returned as digits.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number < NumberBaseThousand {
		return underThousand(number)
	}

	words := underThousand(number/NumberBaseThousand) + " thousand"

	if remainder := number % NumberBaseThousand; remainder > 0 {
		words += " " + underThousand(remainder)
	}

	return words
}

func underThousand(number int) string {
	if number < NumberBaseHundred {
		return underHundred(number)
	}

	words := ones[number/NumberBaseHundred] + " hundred"

	if remainder := number % NumberBaseHundred; remainder > 0 {
		words += " " + underHundred(remainder)
	}

	return words
}

func underHundred(number int) string {
	if number < NumberBaseTwenty {
		return ones[number]
	}

	words := tens[number/NumberBaseTen]

	if unit := number % NumberBaseTen; unit > 0 {
		words += "-" + ones[unit]
	}

	return words
}
