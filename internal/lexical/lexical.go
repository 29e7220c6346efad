// Package lexical holds the text primitives shared by the classifier, the
// style profile, the mood tracker and the responder. Everything here is pure
// and operates on runes, so Cyrillic and emoji input behave like ASCII.
package lexical

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds text into the key used for grouping and matching:
// NFC form, lower case, inner whitespace collapsed to single spaces.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Words splits text into lower-cased words made of letters, digits,
// apostrophes and inner hyphens.
func Words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// RawWords splits on whitespace and strips surrounding punctuation, keeping case.
func RawWords(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		f = strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Matcher matches a fixed term list against text. See config.Lexicon for the
// term syntax.
type Matcher struct {
	exact     map[string]struct{}
	prefixes  []string
	fragments []string
}

func NewMatcher(terms []string) *Matcher {
	m := &Matcher{exact: make(map[string]struct{})}
	for _, term := range terms {
		term = Normalize(term)
		switch {
		case term == "":
		case strings.HasSuffix(term, "*"):
			if p := strings.TrimSuffix(term, "*"); p != "" {
				m.prefixes = append(m.prefixes, p)
			}
		case isPlainWord(term):
			m.exact[term] = struct{}{}
		default:
			m.fragments = append(m.fragments, term)
		}
	}
	return m
}

// Match reports whether any term occurs in text.
func (m *Matcher) Match(text string) bool {
	return m.Count(text) > 0
}

// Count returns how many distinct terms occur in text.
func (m *Matcher) Count(text string) int {
	return len(m.Hits(text))
}

// Hits returns the distinct terms (prefix terms without the star) found in text.
func (m *Matcher) Hits(text string) []string {
	if m == nil {
		return nil
	}
	normalized := Normalize(text)
	words := Words(normalized)
	seen := make(map[string]struct{})
	var hits []string
	add := func(term string) {
		if _, ok := seen[term]; !ok {
			seen[term] = struct{}{}
			hits = append(hits, term)
		}
	}
	for _, w := range words {
		if _, ok := m.exact[w]; ok {
			add(w)
		}
		for _, p := range m.prefixes {
			if strings.HasPrefix(w, p) {
				add(p)
			}
		}
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, f := range m.fragments {
		if strings.Join(Words(f), " ") == f {
			if strings.Contains(joined, " "+f+" ") {
				add(f)
			}
			continue
		}
		if strings.Contains(normalized, f) {
			add(f)
		}
	}
	return hits
}

func isPlainWord(term string) bool {
	for _, r := range term {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-') {
			return false
		}
	}
	return true
}

// Key returns the identifier Hits reports for term.
func Key(term string) string {
	return strings.TrimSuffix(Normalize(term), "*")
}
