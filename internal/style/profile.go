package style

import (
	"sort"
	"time"
)

// Profile is the rolling statistics of one conversation.
type Profile struct {
	Styles       map[Label]int   `json:"styles"`
	Tokens       map[string]int  `json:"tokens"`
	Emoji        map[string]int  `json:"emoji"`
	Punct        map[string]int  `json:"punct"`
	MessageCount int             `json:"messageCount"`
	Speakers     map[string]bool `json:"speakers"`
	LastUpdated  time.Time       `json:"lastUpdated"`
}

func newProfile() *Profile {
	return &Profile{
		Styles:   make(map[Label]int),
		Tokens:   make(map[string]int),
		Emoji:    make(map[string]int),
		Punct:    make(map[string]int),
		Speakers: make(map[string]bool),
	}
}

func (p *Profile) ensure() {
	if p.Styles == nil {
		p.Styles = make(map[Label]int)
	}
	if p.Tokens == nil {
		p.Tokens = make(map[string]int)
	}
	if p.Emoji == nil {
		p.Emoji = make(map[string]int)
	}
	if p.Punct == nil {
		p.Punct = make(map[string]int)
	}
	if p.Speakers == nil {
		p.Speakers = make(map[string]bool)
	}
}

func (p *Profile) clone() Profile {
	c := *p
	c.Styles = make(map[Label]int, len(p.Styles))
	for k, v := range p.Styles {
		c.Styles[k] = v
	}
	c.Tokens = cloneCounts(p.Tokens)
	c.Emoji = cloneCounts(p.Emoji)
	c.Punct = cloneCounts(p.Punct)
	c.Speakers = make(map[string]bool, len(p.Speakers))
	for k, v := range p.Speakers {
		c.Speakers[k] = v
	}
	return c
}

// Dominant is the most frequent style; equal counts resolve to the
// lexicographically smallest label.
func (p *Profile) Dominant() (Label, bool) {
	var best Label
	bestN := 0
	for l, n := range p.Styles {
		if n > bestN || (n == bestN && n > 0 && l < best) {
			best, bestN = l, n
		}
	}
	return best, bestN > 0
}

func (p *Profile) TopToken() string { return topKey(p.Tokens) }
func (p *Profile) TopEmoji() string { return topKey(p.Emoji) }

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func topKey(m map[string]int) string {
	var best string
	bestN := 0
	for k, n := range m {
		if n > bestN || (n == bestN && n > 0 && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

// prune keeps the limit most frequent keys; ties keep the smaller key.
func prune(m map[string]int, limit int) {
	if limit <= 0 || len(m) <= limit {
		return
	}
	type kc struct {
		k string
		n int
	}
	all := make([]kc, 0, len(m))
	for k, n := range m {
		all = append(all, kc{k, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].k < all[j].k
	})
	for _, e := range all[limit:] {
		delete(m, e.k)
	}
}
