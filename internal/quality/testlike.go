package quality

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"flag-review/backend/internal/normalize"
)

const (
	minTestLikeLength   = 5
	softTokenThreshold  = 2
	boilerplateMinWords = 40
)

// Stage names reported by ExplainTestLike.
const (
	StageTooShort    = "too_short"
	StageException   = "exception"
	StageHardPhrase  = "hard_phrase"
	StageProximity   = "proximity"
	StageSoftTokens  = "soft_tokens"
	StageBoilerplate = "boilerplate"
	StageNone        = "none"
)

// RE2's \b is ASCII-only; word boundaries use Unicode letter and number
// classes instead.
const nonWord = `[^\p{L}\p{N}_]`

var (
	testExceptions = compileWords(
		`test drive`,
		`unittest`,
		`ab test`,
	)
	testHardPhrases = compileWords(
		`this is a test`,
		`dummy data`,
		`lorem ipsum`,
		`foobar`,
		`test(?:ing)?`,
	)
	testProximity = compileWords(
		`test(?:`+nonWord+`+[\p{L}\p{N}_]+){0,3}`+nonWord+`+(?:review|example|dummy|sample|placeholder)`,
		`(?:review|example|dummy|sample|placeholder)(?:`+nonWord+`+[\p{L}\p{N}_]+){0,3}`+nonWord+`+test`,
	)
	testSoftTokens = compileWords(
		`asdf`,
		`qwer`,
		`zxcv`,
		`sample`,
		`placeholder`,
	)
	boilerplatePhrases = []string{"describe your", "keep your", "we value", "no personal info"}
)

type testStage struct {
	name string
	// eval returns decided=false to pass the text to the next stage.
	eval func(text string) (verdict, decided bool)
}

var testLikeStages = []testStage{
	{StageException, exceptionStage},
	{StageHardPhrase, hardPhraseStage},
	{StageProximity, proximityStage},
	{StageSoftTokens, softTokenStage},
	{StageBoilerplate, boilerplateStage},
}

// IsTestLike reports whether text looks like a test or placeholder
// submission rather than a genuine review.
func IsTestLike(text string) bool {
	ok, _ := ExplainTestLike(text)
	return ok
}

// ExplainTestLike runs the staged classifier and returns the verdict with
// the name of the stage that decided it.
func ExplainTestLike(text string) (bool, string) {
	norm := normalize.Text(text)
	if utf8.RuneCountInString(norm) < minTestLikeLength {
		return false, StageTooShort
	}
	for _, st := range testLikeStages {
		if verdict, decided := st.eval(norm); decided {
			return verdict, st.name
		}
	}
	return false, StageNone
}

// An exception phrase only vetoes when no hard phrase is present.
func exceptionStage(text string) (bool, bool) {
	if anyMatch(testExceptions, text) && !anyMatch(testHardPhrases, text) {
		return false, true
	}
	return false, false
}

func hardPhraseStage(text string) (bool, bool) {
	if anyMatch(testHardPhrases, text) {
		return true, true
	}
	return false, false
}

func proximityStage(text string) (bool, bool) {
	if anyMatch(testProximity, text) {
		return true, true
	}
	return false, false
}

func softTokenStage(text string) (bool, bool) {
	hits := 0
	for _, re := range testSoftTokens {
		if re.MatchString(text) {
			hits++
		}
	}
	if hits >= softTokenThreshold {
		return true, true
	}
	return false, false
}

func boilerplateStage(text string) (bool, bool) {
	if len(strings.Fields(text)) <= boilerplateMinWords || !strings.Contains(text, "review") {
		return false, false
	}
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(text, phrase) {
			return true, true
		}
	}
	return false, false
}

func anyMatch(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// compileWords anchors each pattern between word boundaries.
func compileWords(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?:^|`+nonWord+`)(?:`+p+`)(?:`+nonWord+`|$)`))
	}
	return out
}
