// Package memory keeps the per-conversation pool of remembered lines that
// admins and members feed with /remember.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/sample"
)

const (
	DefaultAdminWeight = 0.7
	DefaultPoolSize    = 50
)

// Entry is one remembered line for a conversation.
type Entry struct {
	Text      string    `json:"text"`
	SpeakerID string    `json:"speakerId"`
	Admin     bool      `json:"admin"`
	AddedAt   time.Time `json:"addedAt"`
}

// PoolState maps conversation id to its remembered lines.
type PoolState map[string][]Entry

// Pool is the per-conversation chat memory: lines people explicitly asked
// the bot to remember, replayed as replies.
type Pool struct {
	mu          sync.RWMutex
	state       PoolState
	doc         kv.Document[PoolState]
	adminWeight float64
	size        int
	now         func() time.Time
	logger      zerolog.Logger
}

type PoolOptions struct {
	AdminWeight float64
	Size        int
	Now         func() time.Time
}

func NewPool(doc kv.Document[PoolState], opts PoolOptions, logger zerolog.Logger) *Pool {
	if opts.AdminWeight < 0 || opts.AdminWeight > 1 {
		opts.AdminWeight = DefaultAdminWeight
	}
	if opts.Size <= 0 {
		opts.Size = DefaultPoolSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		state:       make(PoolState),
		doc:         doc,
		adminWeight: opts.AdminWeight,
		size:        opts.Size,
		now:         opts.Now,
		logger:      logger,
	}
}

// Remember stores text for the conversation. Re-remembering the same text
// refreshes its author; the oldest lines fall off past the pool size.
func (p *Pool) Remember(ctx context.Context, conversationID, speakerID, text string, admin bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("nothing to remember")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := slices.DeleteFunc(slices.Clone(p.state[conversationID]), func(e Entry) bool {
		return e.Text == text
	})
	entries = append(entries, Entry{Text: text, SpeakerID: speakerID, Admin: admin, AddedAt: p.now()})
	if len(entries) > p.size {
		entries = entries[len(entries)-p.size:]
	}
	return p.commit(ctx, conversationID, entries)
}

// Forget drops everything remembered for the conversation.
func (p *Pool) Forget(ctx context.Context, conversationID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.state[conversationID])
	if n == 0 {
		return 0, nil
	}
	if err := p.commit(ctx, conversationID, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// commit persists the state with conversationID replaced by entries and
// swaps it in only after a successful write. Caller holds p.mu.
func (p *Pool) commit(ctx context.Context, conversationID string, entries []Entry) error {
	next := make(PoolState, len(p.state)+1)
	for k, v := range p.state {
		next[k] = v
	}
	if len(entries) == 0 {
		delete(next, conversationID)
	} else {
		next[conversationID] = entries
	}
	if err := p.doc.Save(ctx, next); err != nil {
		return err
	}
	p.state = next
	return nil
}

func (p *Pool) Entries(conversationID string) []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.state[conversationID])
}

func (p *Pool) Has(conversationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.state[conversationID]) > 0
}

// Pick chooses a remembered line. When admin-sourced lines exist one of
// them is chosen with probability adminWeight, otherwise any line is.
func (p *Pool) Pick(conversationID string, s *sample.Sampler) (Entry, bool) {
	p.mu.RLock()
	entries := p.state[conversationID]
	var admin []Entry
	for _, e := range entries {
		if e.Admin {
			admin = append(admin, e)
		}
	}
	all := slices.Clone(entries)
	p.mu.RUnlock()

	if len(admin) > 0 && s.Chance(p.adminWeight) {
		return sample.Pick(s, admin)
	}
	return sample.Pick(s, all)
}

func (p *Pool) Load(ctx context.Context) error {
	st, err := p.doc.Load(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = make(PoolState)
	if err != nil {
		if errors.Is(err, kv.ErrCorrupt) {
			p.logger.Warn().Err(err).Msg("chat memory corrupt, starting empty")
			return nil
		}
		return err
	}
	for id, entries := range st {
		entries = slices.DeleteFunc(entries, func(e Entry) bool { return strings.TrimSpace(e.Text) == "" })
		if len(entries) > p.size {
			entries = entries[len(entries)-p.size:]
		}
		if len(entries) > 0 {
			p.state[id] = entries
		}
	}
	return nil
}
