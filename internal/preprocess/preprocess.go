// Package preprocess cleans and normalizes raw note input and classifies
// it as short or long. It never fails: empty input yields an empty short
// result.
package preprocess

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Length classifies input size for step routing.
type Length string

const (
	LengthShort Length = "short"
	LengthLong  Length = "long"
)

// Config holds the tunable length-classification thresholds.
type Config struct {
	MaxShortChars     int // cleaned length below this may be short (default: 500)
	MaxShortSentences int // sentence count at or below this may be short (default: 5)
	MaxShortWords     int // word count at or below this may be short (default: 100)
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxShortChars:     500,
		MaxShortSentences: 5,
		MaxShortWords:     100,
	}
}

// Result holds the preprocessed forms of the input.
type Result struct {
	Cleaned    string // whitespace-collapsed, control chars stripped, newlines kept
	Normalized string // lower-cased NFC form of Cleaned
	Length     Length
}

// Preprocessor applies cleaning, normalization, and length classification.
type Preprocessor struct {
	cfg Config
}

// New creates a Preprocessor. Zero-valued config fields fall back to defaults.
func New(cfg Config) *Preprocessor {
	def := DefaultConfig()
	if cfg.MaxShortChars <= 0 {
		cfg.MaxShortChars = def.MaxShortChars
	}
	if cfg.MaxShortSentences <= 0 {
		cfg.MaxShortSentences = def.MaxShortSentences
	}
	if cfg.MaxShortWords <= 0 {
		cfg.MaxShortWords = def.MaxShortWords
	}
	return &Preprocessor{cfg: cfg}
}

// Process cleans and classifies raw input.
func (p *Preprocessor) Process(raw string) Result {
	cleaned := Clean(raw)
	return Result{
		Cleaned:    cleaned,
		Normalized: strings.ToLower(norm.NFC.String(cleaned)),
		Length:     p.classify(cleaned),
	}
}

// Clean collapses runs of spaces/tabs, strips control characters, and trims.
// Newlines survive; everything else non-printable is dropped.
func Clean(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))

	lastSpace := false
	for _, r := range raw {
		switch {
		case r == '\n':
			sb.WriteRune('\n')
			lastSpace = false
		case r == ' ' || r == '\t' || unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			sb.WriteRune(r)
			lastSpace = false
		}
	}

	lines := strings.Split(sb.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (p *Preprocessor) classify(cleaned string) Length {
	if len(cleaned) < p.cfg.MaxShortChars &&
		countSentences(cleaned) <= p.cfg.MaxShortSentences &&
		countWords(cleaned) <= p.cfg.MaxShortWords {
		return LengthShort
	}
	return LengthLong
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func countSentences(s string) int {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	count := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}
