package responder

import (
	"strings"

	"github.com/stellarlinkco/chatclaw/internal/mood"
	"github.com/stellarlinkco/chatclaw/internal/style"
)

// Templates are the canned lines every branch falls back on.
type Templates struct {
	// Anger holds four tiers for levels 1-3, 4-6, 7-9 and 10.
	Anger         [4][]string
	Cooling       []string
	Style         map[style.Label][]string
	Intent        map[Intent][]string
	Mood          map[mood.Label][]string
	Interjections []string
	Encouragement []string
	// Mined are generic replies for a promoted phrase nobody elaborated on.
	Mined []string
	// Last is used only if every other pool came up empty.
	Last string
}

func DefaultTemplates() Templates {
	return Templates{
		Anger: [4][]string{
			{"эй, полегче 😤", "hey, easy there", "ну и зачем так?"},
			{"я вообще-то всё слышу 😠", "that's getting old", "ещё одно слово и я обижусь"},
			{"всё, я злюсь 😡", "ok now I'm actually mad", "хватит!"},
			{"🤬🤬🤬", "я с тобой не разговариваю", "done. not talking to you."},
		},
		Cooling: []string{
			"ладно, я уже почти не злюсь",
			"fine. I'm cooling down",
			"хмф. проехали",
		},
		Style: map[style.Label][]string{
			style.Meme:          {"кек {token}", "база", "{token} это жиза 😂", "lmao {emoji}"},
			style.Excited:       {"ДА!!! {emoji}", "LET'S GOOO", "вот это энергия!!!"},
			style.Crypto:        {"{token} to the moon 🚀", "hodl, ser", "wagmi {emoji}", "опять {token} обсуждаем?"},
			style.Question:      {"хороший вопрос", "а сам как думаешь?", "good question tbh"},
			style.EmojiHeavy:    {"{emoji}{emoji}", "{emoji} +1", "✨{emoji}✨"},
			style.MixedLanguage: {"ok, понял", "ну ты и polyglot", "да, same"},
			style.Normal:        {"согласен", "интересно, расскажи про {token}", "makes sense", "ага"},
		},
		Intent: map[Intent][]string{
			IntentGreeting: {"привет! 👋", "hey hey", "gm!", "о, привет"},
			IntentCrypto:   {"крипта, моя любимая тема 🚀", "not financial advice, ser", "опять графики смотрите?"},
			IntentTeasing:  {"сам такой 😏", "bots have feelings too", "спорим, нет?"},
			IntentHelp:     {"а что случилось?", "расскажи подробнее, попробую помочь", "what's broken?"},
			IntentQuestion: {"хм, сложный вопрос", "не знаю, но звучит интересно", "good question"},
			IntentOther:    {"понятно", "интересно", "ага", "I see", "🤔"},
		},
		Mood: map[mood.Label][]string{
			mood.Excited: {"я сегодня в ударе!", "вайб отличный ✨"},
			mood.Caring:  {"держитесь там ❤️", "всё будет хорошо"},
			mood.Teasing: {"ну-ну 😏", "смешно тебе?"},
		},
		Interjections: []string{
			"кстати, а кто-нибудь видел мои ключи?",
			"random thought: бутерброды лучше с маслом вниз",
			"я тут просто мимо проходил 👀",
			"btw, hydrate 💧",
		},
		Encouragement: []string{
			"что-то тихо тут... всё нормально?",
			"эй, куда все пропали? 👀",
			"it's quiet. too quiet.",
			"ну расскажите что-нибудь!",
		},
		Mined: []string{"+1", "👍", "да-да", "this", "согласен"},
		Last:  "🤔",
	}
}

// Override replaces pools by key from a lexicon "replies" section. Known
// keys: anger.1 .. anger.4, cooling, style.<label>, intent.<name>,
// mood.<label>, interjection, encouragement, mined.
func (t *Templates) Override(replies map[string][]string) {
	for key, lines := range replies {
		lines = nonEmpty(lines)
		if len(lines) == 0 {
			continue
		}
		kind, name, _ := strings.Cut(key, ".")
		switch kind {
		case "anger":
			if len(name) == 1 && name[0] >= '1' && name[0] <= '4' {
				t.Anger[name[0]-'1'] = lines
			}
		case "cooling":
			t.Cooling = lines
		case "style":
			t.Style[style.Label(name)] = lines
		case "intent":
			t.Intent[Intent(name)] = lines
		case "mood":
			t.Mood[mood.Label(name)] = lines
		case "interjection":
			t.Interjections = lines
		case "encouragement":
			t.Encouragement = lines
		case "mined":
			t.Mined = lines
		}
	}
}

func angerTier(level int) int {
	switch {
	case level >= 10:
		return 3
	case level >= 7:
		return 2
	case level >= 4:
		return 1
	default:
		return 0
	}
}

// fill substitutes {token} and {emoji}. It returns "" when the template
// uses a placeholder that has no value.
func fill(tmpl, token, emoji string) string {
	if (token == "" && strings.Contains(tmpl, "{token}")) || (emoji == "" && strings.Contains(tmpl, "{emoji}")) {
		return ""
	}
	return strings.TrimSpace(strings.NewReplacer("{token}", token, "{emoji}", emoji).Replace(tmpl))
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
