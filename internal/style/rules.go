package style

import (
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/chatclaw/internal/lexical"
)

type Label string

const (
	Meme          Label = "meme"
	Excited       Label = "excited"
	Crypto        Label = "crypto"
	Question      Label = "question"
	EmojiHeavy    Label = "emoji_heavy"
	MixedLanguage Label = "mixed_language"
	Normal        Label = "normal"
)

// Labels lists every style label in rule order.
var Labels = []Label{Meme, Excited, Crypto, Question, EmojiHeavy, MixedLanguage, Normal}

// Features are the per-message measurements the rules look at.
type Features struct {
	Text           string
	Length         int
	LongestRepeat  int
	ShoutWords     int
	PunctIntensity int
	Emoji          int
	ForeignRatio   float64
}

func Measure(text string) Features {
	return Features{
		Text:           text,
		Length:         utf8.RuneCountInString(strings.TrimSpace(text)),
		LongestRepeat:  lexical.LongestRepeat(text),
		ShoutWords:     lexical.ShoutWords(text),
		PunctIntensity: lexical.PunctIntensity(text),
		Emoji:          lexical.EmojiCount(text),
		ForeignRatio:   lexical.ForeignRatio(text),
	}
}

// Rule maps a predicate to a label. Rules are evaluated in order and the
// first match wins.
type Rule struct {
	Label Label
	Match func(f Features) bool
}

// Matchers carries the lexicon-backed predicates the rules need.
type Matchers struct {
	Meme     *lexical.Matcher
	Crypto   *lexical.Matcher
	Question *lexical.Matcher
}

// Rules returns the ordered classification rules:
// meme, excited, crypto, question, emoji_heavy, mixed_language, short, normal.
func Rules(m Matchers) []Rule {
	return []Rule{
		{Meme, func(f Features) bool { return m.Meme.Match(f.Text) || f.LongestRepeat >= 3 }},
		{Excited, func(f Features) bool { return f.ShoutWords > 0 || f.PunctIntensity > 2 }},
		{Crypto, func(f Features) bool { return m.Crypto.Match(f.Text) }},
		{Question, func(f Features) bool { return m.Question.Match(f.Text) || strings.ContainsRune(f.Text, '?') }},
		{EmojiHeavy, func(f Features) bool { return f.Emoji > 2 }},
		{MixedLanguage, func(f Features) bool { return f.ForeignRatio > 0.3 }},
		{Normal, func(f Features) bool { return f.Length < 10 }},
	}
}

// Classify returns the label of the first matching rule, or Normal.
func Classify(rules []Rule, f Features) Label {
	for _, r := range rules {
		if r.Match(f) {
			return r.Label
		}
	}
	return Normal
}
