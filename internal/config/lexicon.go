package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon is the word material the engine matches against. A YAML file
// referenced by learning.lexiconPath overrides the built-in lists key by key.
// Terms ending in "*" match any word with that prefix; multi-word terms and
// emoji match as substrings of the normalized text.
type Lexicon struct {
	AngerTriggers   map[string]int      `yaml:"angerTriggers" json:"angerTriggers"`
	PositiveWords   []string            `yaml:"positiveWords" json:"positiveWords"`
	NegativeWords   []string            `yaml:"negativeWords" json:"negativeWords"`
	LaughterMarkers []string            `yaml:"laughterMarkers" json:"laughterMarkers"`
	MemeSlang       []string            `yaml:"memeSlang" json:"memeSlang"`
	CryptoWords     []string            `yaml:"cryptoWords" json:"cryptoWords"`
	QuestionWords   []string            `yaml:"questionWords" json:"questionWords"`
	GreetingWords   []string            `yaml:"greetingWords" json:"greetingWords"`
	TeasingWords    []string            `yaml:"teasingWords" json:"teasingWords"`
	HelpWords       []string            `yaml:"helpWords" json:"helpWords"`
	Replies         map[string][]string `yaml:"replies" json:"replies"`
}

func DefaultLexicon() Lexicon {
	return Lexicon{
		AngerTriggers: map[string]int{
			"дурак*":   1,
			"туп*":     1,
			"идиот*":   2,
			"заткнись": 2,
			"бесишь":   1,
			"stupid":   1,
			"dumb":     1,
			"idiot*":   2,
			"shut up":  2,
			"useless":  1,
		},
		PositiveWords: []string{
			"круто", "класс*", "супер", "спасибо", "люблю", "отлично", "ура",
			"awesome", "great", "love", "thanks", "nice", "cool", "🔥", "❤",
		},
		NegativeWords: []string{
			"грустно", "плохо", "устал", "печаль", "обидно", "тоска",
			"sad", "tired", "bad day", "upset", "depressed", "😢", "😭",
		},
		LaughterMarkers: []string{
			"хаха*", "ахах*", "лол", "ржу", "haha*", "lol", "lmao", "😂", "🤣",
		},
		MemeSlang: []string{
			"кек", "рофл", "кринж", "база", "имба", "жиза", "краш", "чел",
			"kek", "based", "cringe", "wagmi", "ngmi", "lfg", "ser", "fren", "copium",
		},
		CryptoWords: []string{
			"биток*", "биткоин*", "крипт*", "эфир*", "токен*", "памп*", "дамп*", "холд*", "альткоин*",
			"btc", "bitcoin*", "eth", "crypto*", "token*", "pump*", "dump*", "hodl*", "airdrop*", "nft*", "defi",
		},
		QuestionWords: []string{
			"что", "как", "почему", "зачем", "когда", "где", "кто", "сколько",
			"what", "how", "why", "when", "where", "who",
		},
		GreetingWords: []string{
			"привет*", "здравствуй*", "хай", "доброе утро", "добрый вечер", "gm", "gn",
			"hello", "hi", "hey", "good morning",
		},
		TeasingWords: []string{
			"слабо", "спорим", "бот", "робот", "железяка", "bot", "robot", "bet you",
		},
		HelpWords: []string{
			"помоги*", "подскаж*", "help", "how do i", "не работает",
		},
	}
}

// LoadLexicon returns the built-in lexicon overlaid with the YAML file at path.
// An empty path returns the defaults.
func LoadLexicon(path string) (Lexicon, error) {
	lex := DefaultLexicon()
	if strings.TrimSpace(path) == "" {
		return lex, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return lex, fmt.Errorf("read lexicon: %w", err)
	}
	var override Lexicon
	if err := yaml.Unmarshal(data, &override); err != nil {
		return lex, fmt.Errorf("parse lexicon: %w", err)
	}
	lex.merge(override)
	return lex, nil
}

func (l *Lexicon) merge(o Lexicon) {
	if len(o.AngerTriggers) > 0 {
		l.AngerTriggers = o.AngerTriggers
	}
	overlay := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	overlay(&l.PositiveWords, o.PositiveWords)
	overlay(&l.NegativeWords, o.NegativeWords)
	overlay(&l.LaughterMarkers, o.LaughterMarkers)
	overlay(&l.MemeSlang, o.MemeSlang)
	overlay(&l.CryptoWords, o.CryptoWords)
	overlay(&l.QuestionWords, o.QuestionWords)
	overlay(&l.GreetingWords, o.GreetingWords)
	overlay(&l.TeasingWords, o.TeasingWords)
	overlay(&l.HelpWords, o.HelpWords)
	if len(o.Replies) > 0 {
		if l.Replies == nil {
			l.Replies = make(map[string][]string, len(o.Replies))
		}
		for k, v := range o.Replies {
			l.Replies[k] = v
		}
	}
}
