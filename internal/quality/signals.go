// Package quality extracts structural signals from review text and uses them
// to classify test submissions and gibberish.
package quality

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"flag-review/backend/internal/normalize"
)

const (
	// entropyFloorLength is the minimum rune count for a meaningful trigram
	// distribution. Shorter strings report entropySentinel.
	entropyFloorLength = 10
	entropySentinel    = 99.0
	entropyEpsilon     = 1e-12
)

var (
	consonantRun     = regexp.MustCompile(`(?i)[bcdfghjklmnpqrstvwxyz]{5,}`)
	latinRun         = regexp.MustCompile(`[A-Za-zÀ-ÖØ-öø-ÿ]{32,}`)
	latinWord        = regexp.MustCompile(`^[A-Za-zÀ-ÖØ-öø-ÿ]+$`)
	nonLatinLetters  = regexp.MustCompile(`[^A-Za-zÀ-ÖØ-öø-ÿ]+`)
	urlPattern       = regexp.MustCompile(`(?i)https?://|www\.`)
	emailPattern     = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	sentenceEnd      = regexp.MustCompile(`[.!?…]+`)
	keyboardFamilies = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:asdfghjkl)+|asdfg|sdfgh|dfghj|fghjk|ghjkl|asdf`),
		regexp.MustCompile(`(?i)(?:qwertyuiop)+|qwert|werty|ertyui|rtyuio|tyuiop|qwer`),
		regexp.MustCompile(`(?i)(?:zxcvbnm)+|zxcvb|xcvbn|cvbnm|zxcv`),
		regexp.MustCompile(`(?i)(?:lkjhg)+|lkjhg|kjhgf|jhgf`),
		regexp.MustCompile(`(?i)(?:ytrewq)+|ytrew|trewq`),
		regexp.MustCompile(`(?i)(?:poiuyt)+|poiuy|oiuyt`),
		regexp.MustCompile(`(?i)(?:mnbvcxz)+|mnbvc|nbvcx|bvcxz`),
	}
)

// Signals is the full set of structural measurements for one text.
type Signals struct {
	Words               []string
	WordCount           int
	UniqueWordRatio     float64
	RepeatedWord        bool
	RepeatedChar        bool
	VowelRatio          float64
	ConsonantRun        bool
	TrigramEntropy      float64
	LongLatinRun        bool
	KeyboardSmash       bool
	EmojiRatio          float64
	SymbolRatio         float64
	URLDensity          float64
	HasEmail            bool
	SpaceRatio          float64
	AlnumRatio          float64
	SentenceTerminators int
	LatinLetters        int
	VowellessLongWord   bool
}

// Extract measures every signal over s as given, surrounding whitespace
// included. Callers decide which thresholds apply; Extract itself never
// fails.
func Extract(s string) Signals {
	words := Words(s)
	sig := Signals{
		Words:               words,
		WordCount:           len(words),
		UniqueWordRatio:     UniqueWordRatio(words),
		RepeatedWord:        HasRepeatedWord(s),
		RepeatedChar:        HasRepeatedChar(s),
		VowelRatio:          VowelRatio(s),
		ConsonantRun:        consonantRun.MatchString(s),
		TrigramEntropy:      TrigramEntropy(s),
		LongLatinRun:        latinRun.MatchString(s),
		KeyboardSmash:       KeyboardSmash(s),
		EmojiRatio:          EmojiRatio(s),
		SymbolRatio:         SymbolRatio(s),
		URLDensity:          URLDensity(s),
		HasEmail:            emailPattern.MatchString(s),
		SentenceTerminators: len(sentenceEnd.FindAllStringIndex(s, -1)),
		LatinLetters:        utf8.RuneCountInString(nonLatinLetters.ReplaceAllString(s, "")),
	}

	total, spaces, alnum := 0, 0, 0
	for _, r := range s {
		total++
		switch {
		case unicode.IsSpace(r):
			spaces++
		case isAlnum(r):
			alnum++
		}
	}
	if total > 0 {
		sig.SpaceRatio = float64(spaces) / float64(total)
		sig.AlnumRatio = float64(alnum) / float64(total)
	}

	for _, w := range words {
		if utf8.RuneCountInString(w) > 20 && latinWord.MatchString(w) && !containsVowel(w) {
			sig.VowellessLongWord = true
			break
		}
	}
	return sig
}

// Words returns the word tokens of s: maximal runs of letters, digits and
// underscores.
func Words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) })
}

// WordCount is len(Words(s)).
func WordCount(s string) int {
	return len(Words(s))
}

// UniqueWordRatio is distinct lowercased words over total words.
func UniqueWordRatio(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[strings.ToLower(w)] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}

// HasRepeatedWord reports whether a word token is immediately followed,
// across whitespace only, by the same word ignoring case.
func HasRepeatedWord(s string) bool {
	prev := ""
	sepOnlySpace := false
	inWord := false
	start := 0
	for i, r := range s {
		if isWordRune(r) {
			if !inWord {
				inWord = true
				start = i
			}
			continue
		}
		if inWord {
			w := s[start:i]
			if prev != "" && sepOnlySpace && strings.EqualFold(prev, w) {
				return true
			}
			prev = w
			inWord = false
			sepOnlySpace = true
		}
		if !unicode.IsSpace(r) {
			sepOnlySpace = false
		}
	}
	if inWord && prev != "" && sepOnlySpace && strings.EqualFold(prev, s[start:]) {
		return true
	}
	return false
}

// HasRepeatedChar reports a run of four or more identical characters.
// Line breaks never count.
func HasRepeatedChar(s string) bool {
	var last rune = -1
	run := 0
	for _, r := range s {
		if r == last && r != '\n' {
			run++
			if run >= 4 {
				return true
			}
			continue
		}
		last = r
		run = 1
	}
	return false
}

// VowelRatio is Latin vowels (accented included) over alphabetic runes.
func VowelRatio(s string) float64 {
	letters, vowels := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if isVowel(r) {
				vowels++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(vowels) / float64(letters)
}

// TrigramEntropy is the Shannon entropy in bits of the overlapping
// character trigrams of the lowercased text.
func TrigramEntropy(s string) float64 {
	rs := []rune(strings.ToLower(strings.TrimSpace(s)))
	if len(rs) < entropyFloorLength {
		return entropySentinel
	}
	counts := make(map[string]int)
	total := 0
	for i := 0; i+3 <= len(rs); i++ {
		counts[string(rs[i:i+3])]++
		total++
	}
	h := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p+entropyEpsilon)
	}
	return h
}

// KeyboardSmash reports whether any keyboard-row fragment appears.
func KeyboardSmash(s string) bool {
	for _, re := range keyboardFamilies {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// EmojiRatio is pictographic runes over total runes.
func EmojiRatio(s string) float64 {
	total, emoji := 0, 0
	for _, r := range s {
		total++
		if isEmoji(r) {
			emoji++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(emoji) / float64(total)
}

// SymbolRatio is runes that are neither alphanumeric nor whitespace over
// total runes.
func SymbolRatio(s string) float64 {
	total, other := 0, 0
	for _, r := range s {
		total++
		if !isAlnum(r) && !unicode.IsSpace(r) {
			other++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(other) / float64(total)
}

// URLDensity is URL markers over whitespace-separated tokens.
func URLDensity(s string) float64 {
	n := len(urlPattern.FindAllStringIndex(s, -1))
	if n == 0 {
		return 0
	}
	tokens := len(strings.Fields(s))
	if tokens < 1 {
		tokens = 1
	}
	return float64(n) / float64(tokens)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

func isVowel(r rune) bool {
	return strings.ContainsRune("aeiouAEIOUáéíóúÁÉÍÓÚüÜ", r)
}

func containsVowel(s string) bool {
	for _, r := range s {
		if isVowel(r) {
			return true
		}
	}
	return false
}

func isEmoji(r rune) bool {
	return (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2700 && r <= 0x27BF)
}

func normalizeForSignals(s string) string {
	return normalize.Decode(s)
}
