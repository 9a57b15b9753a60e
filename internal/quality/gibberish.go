package quality

import "strings"

// Config holds the thresholds of the low-quality decision.
type Config struct {
	GibberishThreshold int     `json:"gibberish_threshold"`
	MinWords           int     `json:"min_words"`
	MaxWords           int     `json:"max_words"`
	ProtectedMinWords  int     `json:"protected_min_words"`
	ProtectedVowels    float64 `json:"protected_vowel_ratio"`
	ProtectedSentences int     `json:"protected_sentences"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		GibberishThreshold: 3,
		MinWords:           2,
		MaxWords:           10000,
		ProtectedMinWords:  40,
		ProtectedVowels:    0.35,
		ProtectedSentences: 2,
	}
}

// Condition names reported in a GibberishReport.
const (
	CondLowUniqueRatio   = "low_unique_ratio"
	CondRepeatedWord     = "repeated_word"
	CondRepeatedChar     = "repeated_char"
	CondConsonantHeavy   = "consonant_heavy"
	CondLowEntropy       = "low_entropy"
	CondLongLatinRun     = "long_latin_run"
	CondKeyboardSmash    = "keyboard_smash"
	CondEmojiHeavy       = "emoji_heavy"
	CondSymbolHeavy      = "symbol_heavy"
	CondLinkSpam         = "link_spam"
	CondUnbrokenLetters  = "unbroken_letters"
	CondNoSpacesAlnum    = "no_spaces_alnum"
	CondVowellessLongRun = "vowelless_long_word"
)

// GibberishReport lists the conditions that fired and the summed score.
type GibberishReport struct {
	Score      int      `json:"score"`
	Conditions []string `json:"conditions"`
}

func (r *GibberishReport) add(cond string, points int) {
	r.Score += points
	r.Conditions = append(r.Conditions, cond)
}

// GibberishScore sums the weighted gibberish conditions for text.
func GibberishScore(text string) int {
	return ScoreGibberish(text).Score
}

// ScoreGibberish evaluates every gibberish condition over text.
func ScoreGibberish(text string) GibberishReport {
	report := GibberishReport{Conditions: []string{}}
	if strings.TrimSpace(text) == "" {
		return report
	}
	sig := Extract(text)
	if sig.WordCount == 0 {
		return report
	}
	return scoreSignals(sig)
}

func scoreSignals(sig Signals) GibberishReport {
	report := GibberishReport{Conditions: []string{}}
	if sig.UniqueWordRatio < 0.35 {
		report.add(CondLowUniqueRatio, 1)
	}
	if sig.RepeatedWord {
		report.add(CondRepeatedWord, 1)
	}
	if sig.RepeatedChar {
		report.add(CondRepeatedChar, 1)
	}
	if sig.VowelRatio < 0.25 || sig.ConsonantRun {
		report.add(CondConsonantHeavy, 1)
	}
	if sig.TrigramEntropy < 2.3 {
		report.add(CondLowEntropy, 1)
	}
	if sig.LongLatinRun {
		report.add(CondLongLatinRun, 1)
	}
	if sig.KeyboardSmash {
		report.add(CondKeyboardSmash, 1)
	}
	if sig.EmojiRatio > 0.30 {
		report.add(CondEmojiHeavy, 1)
	}
	if sig.SymbolRatio > 0.60 {
		report.add(CondSymbolHeavy, 1)
	}
	if sig.URLDensity > 0.4 || (sig.HasEmail && sig.WordCount < 12) {
		report.add(CondLinkSpam, 1)
	}
	if sig.LatinLetters >= 60 && (sig.SpaceRatio < 0.02 || sig.SentenceTerminators <= 1) {
		report.add(CondUnbrokenLetters, 2)
	}
	if sig.SpaceRatio < 0.02 && sig.AlnumRatio > 0.80 {
		report.add(CondNoSpacesAlnum, 1)
	}
	if sig.VowellessLongWord {
		report.add(CondVowellessLongRun, 1)
	}
	return report
}

// IsLowQuality decides with DefaultConfig.
func IsLowQuality(text string, wordCount int) bool {
	return DefaultConfig().IsLowQuality(text, wordCount)
}

// IsLowQuality applies the word-count bounds, the well-formed prose
// override and finally the gibberish threshold.
func (c Config) IsLowQuality(text string, wordCount int) bool {
	return c.lowQuality(text, wordCount, func() int { return GibberishScore(text) })
}

func (c Config) lowQuality(text string, wordCount int, score func() int) bool {
	if wordCount < c.MinWords || wordCount > c.MaxWords {
		return true
	}
	if wordCount >= c.ProtectedMinWords &&
		VowelRatio(strings.TrimSpace(text)) >= c.ProtectedVowels &&
		len(sentenceEnd.FindAllStringIndex(text, -1)) >= c.ProtectedSentences {
		return false
	}
	return score() >= c.GibberishThreshold
}

// Assessment bundles the quality verdicts for one text.
type Assessment struct {
	WordCount  int             `json:"word_count"`
	TestLike   bool            `json:"test_like"`
	TestStage  string          `json:"test_stage"`
	LowQuality bool            `json:"low_quality"`
	Gibberish  GibberishReport `json:"gibberish"`
}

// Assess runs both classifiers over text. Structural signals are measured
// on the entity-decoded text with case and spacing intact.
func (c Config) Assess(text string) Assessment {
	decoded := normalizeForSignals(text)
	testLike, stage := ExplainTestLike(text)
	wc := WordCount(decoded)
	report := ScoreGibberish(decoded)
	return Assessment{
		WordCount:  wc,
		TestLike:   testLike,
		TestStage:  stage,
		LowQuality: c.lowQuality(decoded, wc, func() int { return report.Score }),
		Gibberish:  report,
	}
}
