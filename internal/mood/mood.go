// Package mood keeps the bot's process-wide mood and energy and the
// per-conversation anger level.
package mood

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/lexical"
)

type Label string

const (
	Neutral Label = "neutral"
	Excited Label = "excited"
	Caring  Label = "caring"
	Teasing Label = "teasing"
)

const (
	MaxEnergy     = 100
	DefaultEnergy = 70
	EnergyDelta   = 10
)

// State is the persisted mood snapshot.
type State struct {
	Mood   Label `json:"mood"`
	Energy int   `json:"energy"`
}

func DefaultState() State {
	return State{Mood: Neutral, Energy: DefaultEnergy}
}

// Affect holds the word lists that move the mood.
type Affect struct {
	Positive *lexical.Matcher
	Negative *lexical.Matcher
	Laughter *lexical.Matcher
}

type Tracker struct {
	mu     sync.Mutex
	state  State
	affect Affect
	doc    kv.Document[State]
	dirty  bool
	logger zerolog.Logger
}

func NewTracker(doc kv.Document[State], affect Affect, logger zerolog.Logger) *Tracker {
	return &Tracker{state: DefaultState(), affect: affect, doc: doc, logger: logger}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Update applies one message: positive words raise energy and excite,
// negative words lower it and turn caring, laughter turns teasing, and
// anything else costs one point of energy.
func (t *Tracker) Update(text string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.affect.Positive.Match(text):
		t.state.Energy += EnergyDelta
		t.state.Mood = Excited
	case t.affect.Negative.Match(text):
		t.state.Energy -= EnergyDelta
		t.state.Mood = Caring
	case t.affect.Laughter.Match(text):
		t.state.Mood = Teasing
	default:
		t.state.Energy--
	}
	t.state.Energy = clamp(t.state.Energy, 0, MaxEnergy)
	t.dirty = true
	return t.state
}

func (t *Tracker) Load(ctx context.Context) error {
	st, err := t.doc.Load(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = false
	if err != nil {
		t.state = DefaultState()
		if errors.Is(err, kv.ErrCorrupt) {
			t.logger.Warn().Err(err).Msg("mood state corrupt, using defaults")
			return nil
		}
		return err
	}
	if st.Mood == "" {
		st = DefaultState()
	}
	st.Energy = clamp(st.Energy, 0, MaxEnergy)
	t.state = st
	return nil
}

func (t *Tracker) Save(ctx context.Context) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	st := t.state
	t.dirty = false
	t.mu.Unlock()

	if err := t.doc.Save(ctx, st); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return err
	}
	return nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
