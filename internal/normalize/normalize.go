// Package normalize produces the canonical text forms used for matching,
// deduplication and near-duplicate grouping of review text.
package normalize

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Casers keep per-call state, so each goroutine borrows its own chain.
var (
	foldPool = sync.Pool{
		New: func() any { return cases.Fold() },
	}
	exactPool = sync.Pool{
		New: func() any {
			return transform.Chain(cases.Fold(), runes.Remove(runes.Predicate(isZeroWidth)))
		},
	}
	nearPool = sync.Pool{
		New: func() any {
			return transform.Chain(
				cases.Fold(),
				runes.Remove(runes.Predicate(isZeroWidth)),
				runes.Remove(runes.Predicate(isPunctuation)),
			)
		},
	}
)

// Coerce turns a loosely typed value into text. Anything that is not a
// string yields "".
func Coerce(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// Decode repairs invalid UTF-8 and resolves HTML character references
// without touching case or whitespace.
func Decode(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	if strings.IndexByte(s, '&') >= 0 {
		s = html.UnescapeString(s)
	}
	return s
}

// Fold returns the Unicode case-folded form of s.
func Fold(s string) string {
	return apply(&foldPool, s)
}

// Text is the general-purpose form: entities decoded, case folded,
// whitespace runs collapsed to one space and trimmed.
func Text(s string) string {
	return collapseSpaces(Fold(Decode(s)))
}

// ForExact additionally removes zero-width characters so visually identical
// strings compare equal.
func ForExact(s string) string {
	return collapseSpaces(apply(&exactPool, Decode(s)))
}

// ForNear additionally strips punctuation. Used to group near-duplicates
// and to tokenize text for similarity search.
func ForNear(s string) string {
	return collapseSpaces(apply(&nearPool, Decode(s)))
}

func apply(pool *sync.Pool, s string) string {
	if s == "" {
		return ""
	}
	tr := pool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, s)
	tr.Reset()
	pool.Put(tr)
	if err != nil {
		return s
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

// ASCII symbols such as $ + < = > ^ ` | ~ are not unicode.IsPunct but still
// count as punctuation for near-duplicate matching.
func isPunctuation(r rune) bool {
	if r < 0x80 {
		return strings.ContainsRune("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", r)
	}
	return unicode.IsPunct(r)
}
