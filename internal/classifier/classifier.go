// Package classifier decides whether an inbound message is a command, spam,
// or a candidate the engine may learn from.
package classifier

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinLength    = 3
	MaxLength    = 1000
	MinRepeatRun = 5
)

// Result is the verdict for one message.
type Result struct {
	IsCommand bool
	IsSpam    bool
}

// Learnable reports whether the message may be stored for mining.
func (r Result) Learnable() bool {
	return !r.IsCommand && !r.IsSpam
}

type Classifier struct {
	prefixes []string
}

func New(commandPrefixes []string) *Classifier {
	prefixes := make([]string, 0, len(commandPrefixes))
	for _, p := range commandPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &Classifier{prefixes: prefixes}
}

func (c *Classifier) Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	return Result{
		IsCommand: c.IsCommand(trimmed),
		IsSpam:    IsSpam(trimmed),
	}
}

func (c *Classifier) IsCommand(text string) bool {
	_, ok := c.StripPrefix(text)
	return ok
}

// StripPrefix returns text without its command prefix. The longest matching
// prefix wins.
func (c *Classifier) StripPrefix(text string) (string, bool) {
	text = strings.TrimSpace(text)
	best := ""
	for _, p := range c.prefixes {
		if strings.HasPrefix(text, p) && len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return text, false
	}
	return text[len(best):], true
}

// IsSpam flags text that is too short, too long or degenerate.
func IsSpam(text string) bool {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < MinLength || n > MaxLength {
		return true
	}
	return isDegenerate(text)
}

func isDegenerate(text string) bool {
	var digits, puncts, letters, other int
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
		case unicode.IsDigit(r):
			digits++
		case unicode.IsPunct(r) || (unicode.IsSymbol(r) && r < 0x2000):
			puncts++
		case unicode.IsLetter(r):
			letters++
		default:
			other++
		}
	}
	visible := digits + puncts + letters + other
	switch {
	case visible == 0:
		return true
	case digits == visible:
		return true
	case puncts == visible:
		return true
	case isSingleRuneRun(text):
		return true
	}
	// a lone one- or two-letter word dressed up with punctuation, e.g. "ok!!"
	fields := strings.Fields(text)
	if len(fields) == 1 && other == 0 && letters > 0 && letters <= 2 {
		return true
	}
	return false
}

func isSingleRuneRun(text string) bool {
	var first rune
	count := 0
	for i, r := range text {
		if i == 0 {
			first = r
		} else if unicode.ToLower(r) != unicode.ToLower(first) {
			return false
		}
		count++
	}
	return count >= MinRepeatRun
}
