// Package triggers holds the learned phrase to response-variants map.
package triggers

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/lexical"
)

const DefaultMaxResponses = 20

// State is the persisted form: normalized phrase -> ordered responses.
type State map[string][]string

// Store is safe for concurrent use. Every mutation rewrites the whole
// document; a failed write rolls the in-memory state back.
type Store struct {
	mu           sync.RWMutex
	doc          kv.Document[State]
	state        State
	maxResponses int
	logger       zerolog.Logger
}

func New(doc kv.Document[State], maxResponses int, logger zerolog.Logger) *Store {
	if maxResponses <= 0 {
		maxResponses = DefaultMaxResponses
	}
	return &Store{
		doc:          doc,
		state:        make(State),
		maxResponses: maxResponses,
		logger:       logger,
	}
}

// Load replaces in-memory state with the persisted document. A corrupt or
// unreadable document leaves the store empty and is only logged.
func (s *Store) Load(ctx context.Context) error {
	loaded, err := s.doc.Load(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = make(State)
		if errors.Is(err, kv.ErrCorrupt) {
			s.logger.Warn().Err(err).Msg("trigger store corrupt, starting empty")
			return nil
		}
		s.logger.Error().Err(err).Msg("load trigger store")
		return err
	}
	s.state = sanitize(loaded, s.maxResponses)
	return nil
}

func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return s.doc.Save(ctx, snapshot)
}

func (s *Store) Get(phrase string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state[lexical.Normalize(phrase)])
}

func (s *Store) Has(phrase string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state[lexical.Normalize(phrase)]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}

// Phrases returns all known phrases in sorted order.
func (s *Store) Phrases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.state))
	for p := range s.state {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Put merges responses into phrase and persists.
func (s *Store) Put(ctx context.Context, phrase string, responses []string) error {
	return s.PutAll(ctx, map[string][]string{phrase: responses})
}

// PutAll merges a batch and persists it in a single write. On failure no
// entry of the batch stays applied.
func (s *Store) PutAll(ctx context.Context, batch map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	changed := false
	for phrase, responses := range batch {
		key := lexical.Normalize(phrase)
		if key == "" {
			continue
		}
		merged := merge(next[key], responses, s.maxResponses)
		if len(merged) == 0 {
			continue
		}
		next[key] = merged
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.doc.Save(ctx, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// merge appends unseen non-empty responses, keeping the newest max entries.
func merge(existing, incoming []string, max int) []string {
	out := slices.Clone(existing)
	seen := make(map[string]struct{}, len(out)+len(incoming))
	for _, r := range out {
		seen[r] = struct{}{}
	}
	for _, r := range incoming {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

func sanitize(in State, max int) State {
	out := make(State, len(in))
	for phrase, responses := range in {
		key := lexical.Normalize(phrase)
		if key == "" {
			continue
		}
		if merged := merge(out[key], responses, max); len(merged) > 0 {
			out[key] = merged
		}
	}
	return out
}

func (st State) clone() State {
	out := make(State, len(st))
	for k, v := range st {
		out[k] = slices.Clone(v)
	}
	return out
}
