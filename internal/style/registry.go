// Package style tracks how each conversation talks: which style labels its
// messages fall into and which words, emoji and punctuation it favours.
package style

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/lexical"
)

type State map[string]*Profile

type Options struct {
	TokenCap int
	EmojiCap int
	PunctCap int
	Now      func() time.Time
}

type Registry struct {
	mu       sync.RWMutex
	profiles State
	rules    []Rule
	opts     Options
	doc      kv.Document[State]
	dirty    bool
	logger   zerolog.Logger
}

func NewRegistry(doc kv.Document[State], rules []Rule, opts Options, logger zerolog.Logger) *Registry {
	if opts.TokenCap <= 0 {
		opts.TokenCap = 500
	}
	if opts.EmojiCap <= 0 {
		opts.EmojiCap = 200
	}
	if opts.PunctCap <= 0 {
		opts.PunctCap = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		profiles: make(State),
		rules:    rules,
		opts:     opts,
		doc:      doc,
		logger:   logger,
	}
}

// Observe folds one message into the conversation's profile and returns the
// label it was classified as.
func (r *Registry) Observe(conversationID, speakerID, text string) Label {
	label := Classify(r.rules, Measure(text))

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[conversationID]
	if !ok {
		p = newProfile()
		r.profiles[conversationID] = p
	}
	p.Styles[label]++
	for _, w := range lexical.Words(text) {
		if utf8.RuneCountInString(w) > 2 {
			p.Tokens[w]++
		}
	}
	for _, e := range lexical.EmojiRuns(text) {
		p.Emoji[e]++
	}
	for _, pr := range lexical.PunctRuns(text) {
		p.Punct[pr]++
	}
	prune(p.Tokens, r.opts.TokenCap)
	prune(p.Emoji, r.opts.EmojiCap)
	prune(p.Punct, r.opts.PunctCap)

	p.MessageCount++
	if speakerID != "" {
		p.Speakers[speakerID] = true
	}
	p.LastUpdated = r.opts.Now()
	r.dirty = true
	return label
}

// Get returns a copy of the conversation's profile.
func (r *Registry) Get(conversationID string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[conversationID]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

func (r *Registry) Dominant(conversationID string) (Label, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[conversationID]
	if !ok {
		return "", false
	}
	return p.Dominant()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// Cleanup drops profiles not updated within maxAge and returns how many.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := r.opts.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.profiles {
		if p.LastUpdated.Before(cutoff) {
			delete(r.profiles, id)
			n++
		}
	}
	if n > 0 {
		r.dirty = true
	}
	return n
}

// Load replaces state from the document. Corrupt documents start empty.
func (r *Registry) Load(ctx context.Context) error {
	st, err := r.doc.Load(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = make(State)
	r.dirty = false
	if err != nil {
		if errors.Is(err, kv.ErrCorrupt) {
			r.logger.Warn().Err(err).Msg("style profiles corrupt, starting empty")
			return nil
		}
		return err
	}
	for id, p := range st {
		if p == nil {
			continue
		}
		p.ensure()
		prune(p.Tokens, r.opts.TokenCap)
		prune(p.Emoji, r.opts.EmojiCap)
		prune(p.Punct, r.opts.PunctCap)
		r.profiles[id] = p
	}
	return nil
}

// Save writes all profiles if anything changed since the last save.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := make(State, len(r.profiles))
	for id, p := range r.profiles {
		c := p.clone()
		snapshot[id] = &c
	}
	r.dirty = false
	r.mu.Unlock()

	if err := r.doc.Save(ctx, snapshot); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	return nil
}
