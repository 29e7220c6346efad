package lexical

import (
	"strings"
	"unicode"
)

// IsEmoji reports whether r is a pictographic emoji code point. Joiners,
// variation selectors and skin-tone modifiers are not counted on their own.
func IsEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F3FA, // symbols & pictographs (before skin tones)
		r >= 0x1F400 && r <= 0x1F5FF,
		r >= 0x1F600 && r <= 0x1F64F, // emoticons
		r >= 0x1F680 && r <= 0x1F6FF, // transport & map
		r >= 0x1F900 && r <= 0x1F9FF, // supplemental symbols
		r >= 0x1FA70 && r <= 0x1FAFF,
		r >= 0x1F1E6 && r <= 0x1F1FF, // regional indicators
		r >= 0x2600 && r <= 0x27BF: // misc symbols & dingbats
		return true
	}
	return false
}

func isEmojiGlue(r rune) bool {
	return r == 0x200D || r == 0xFE0F || (r >= 0x1F3FB && r <= 0x1F3FF)
}

// EmojiCount counts emoji code points in s.
func EmojiCount(s string) int {
	n := 0
	for _, r := range s {
		if IsEmoji(r) {
			n++
		}
	}
	return n
}

// EmojiRuns returns maximal runs of adjacent emoji, joiners included.
func EmojiRuns(s string) []string {
	var runs []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			runs = append(runs, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if IsEmoji(r) || (cur.Len() > 0 && isEmojiGlue(r)) {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return runs
}

// PunctRuns returns maximal runs made only of '!' and '?'.
func PunctRuns(s string) []string {
	var runs []string
	start := -1
	for i, r := range s {
		if r == '!' || r == '?' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, s[start:])
	}
	return runs
}

// PunctIntensity counts '!' and '?' characters.
func PunctIntensity(s string) int {
	return strings.Count(s, "!") + strings.Count(s, "?")
}

// LongestRepeat returns the length of the longest run of one repeated
// letter or punctuation rune. Digits and spaces do not count.
func LongestRepeat(s string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range strings.ToLower(s) {
		if !(unicode.IsLetter(r) || unicode.IsPunct(r)) {
			prev, run = -1, 0
			continue
		}
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// ShoutWords counts words of three or more letters written fully in upper case.
func ShoutWords(s string) int {
	n := 0
	for _, w := range RawWords(s) {
		letters, upper := 0, 0
		for _, r := range w {
			if unicode.IsLetter(r) {
				letters++
				if unicode.IsUpper(r) {
					upper++
				}
			}
		}
		if letters >= 3 && upper == letters {
			n++
		}
	}
	return n
}

// Script identifies the writing system a word is spelled in.
type Script int

const (
	ScriptOther Script = iota
	ScriptLatin
	ScriptCyrillic
)

func wordScript(w string) Script {
	for _, r := range w {
		switch {
		case unicode.Is(unicode.Latin, r):
			return ScriptLatin
		case unicode.Is(unicode.Cyrillic, r):
			return ScriptCyrillic
		}
	}
	return ScriptOther
}

// ForeignRatio is the share of words not written in the message's dominant
// script. Words without letters are ignored.
func ForeignRatio(s string) float64 {
	counts := make(map[Script]int)
	total := 0
	for _, w := range Words(s) {
		sc := wordScript(w)
		if sc == ScriptOther && !containsLetter(w) {
			continue
		}
		counts[sc]++
		total++
	}
	if total == 0 {
		return 0
	}
	dominant := 0
	for _, c := range counts {
		if c > dominant {
			dominant = c
		}
	}
	return float64(total-dominant) / float64(total)
}

func containsLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
