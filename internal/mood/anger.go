package mood

import (
	"sort"
	"sync"

	"github.com/stellarlinkco/chatclaw/internal/lexical"
)

const MaxAnger = 10

// Anger accumulates per-conversation irritation. It lives in memory only.
type Anger struct {
	mu      sync.Mutex
	levels  map[string]int
	matcher *lexical.Matcher
	weights map[string]int
}

// NewAnger builds the accumulator from a trigger term -> intensity map.
// Terms use the lexical.Matcher syntax.
func NewAnger(triggers map[string]int) *Anger {
	terms := make([]string, 0, len(triggers))
	weights := make(map[string]int, len(triggers))
	for term, w := range triggers {
		if w <= 0 {
			continue
		}
		terms = append(terms, term)
		weights[lexical.Key(term)] += w
	}
	sort.Strings(terms)
	return &Anger{
		levels:  make(map[string]int),
		matcher: lexical.NewMatcher(terms),
		weights: weights,
	}
}

// Contribution is the summed intensity of triggers found in text, at most MaxAnger.
func (a *Anger) Contribution(text string) int {
	sum := 0
	for _, hit := range a.matcher.Hits(text) {
		sum += a.weights[hit]
	}
	return min(sum, MaxAnger)
}

func (a *Anger) Level(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.levels[conversationID]
}

// Add raises the level by contribution and returns the new level.
func (a *Anger) Add(conversationID string, contribution int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	lvl := clamp(a.levels[conversationID]+contribution, 0, MaxAnger)
	a.store(conversationID, lvl)
	return lvl
}

// Decay lowers the level by one step and returns the new level.
func (a *Anger) Decay(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	lvl := clamp(a.levels[conversationID]-1, 0, MaxAnger)
	a.store(conversationID, lvl)
	return lvl
}

func (a *Anger) Reset(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.levels, conversationID)
}

func (a *Anger) store(id string, lvl int) {
	if lvl == 0 {
		delete(a.levels, id)
		return
	}
	a.levels[id] = lvl
}
