package responder

import (
	"strings"

	"github.com/stellarlinkco/chatclaw/internal/lexical"
)

// Intent is the coarse topic used to pick a fallback template.
type Intent string

const (
	IntentGreeting Intent = "greeting"
	IntentCrypto   Intent = "crypto"
	IntentTeasing  Intent = "teasing"
	IntentHelp     Intent = "help"
	IntentQuestion Intent = "question"
	IntentOther    Intent = "other"
)

type IntentMatchers struct {
	Greeting *lexical.Matcher
	Crypto   *lexical.Matcher
	Teasing  *lexical.Matcher
	Help     *lexical.Matcher
	Question *lexical.Matcher
}

// Classify checks greeting, crypto, teasing, help, then question.
func (m IntentMatchers) Classify(text string) Intent {
	switch {
	case m.Greeting.Match(text):
		return IntentGreeting
	case m.Crypto.Match(text):
		return IntentCrypto
	case m.Teasing.Match(text):
		return IntentTeasing
	case m.Help.Match(text):
		return IntentHelp
	case m.Question.Match(text) || strings.ContainsRune(text, '?'):
		return IntentQuestion
	}
	return IntentOther
}
