// Package miner promotes phrases that keep recurring in the message log into
// learned triggers.
package miner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/store"
	"github.com/stellarlinkco/chatclaw/internal/triggers"
)

// Source is the part of the message store the miner reads and updates.
type Source interface {
	QueryPopular(ctx context.Context, windowDays, minCount int) ([]store.PopularPhrase, error)
	SearchContaining(ctx context.Context, phrase string, windowDays, limit int) ([]string, error)
	IDsForTexts(ctx context.Context, norms []string, windowDays int) ([]int64, error)
	MarkProcessed(ctx context.Context, ids []int64) (int64, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

type Options struct {
	WindowDays      int
	MinCount        int
	BatchSize       int
	VariantLimit    int
	MaxPhraseLen    int
	CommandPrefixes []string
	// Fallback replies used when no message elaborates on a phrase.
	Fallback []string
}

// Candidate is a phrase selected for promotion.
type Candidate struct {
	Phrase           string   `json:"phrase"`
	Count            int      `json:"count"`
	DistinctSpeakers int      `json:"distinctSpeakers"`
	Responses        []string `json:"responses"`
	UsedFallback     bool     `json:"usedFallback"`
}

// PassResult is the report of one mining or cleanup pass.
type PassResult struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Promoted  []Candidate   `json:"promoted,omitempty"`
	Processed int64         `json:"processed"`
	Cleaned   int64         `json:"cleaned"`
	Duration  time.Duration `json:"duration"`
}

type Miner struct {
	src      Source
	triggers *triggers.Store
	opts     Options
	logger   zerolog.Logger
}

func New(src Source, trig *triggers.Store, opts Options, logger zerolog.Logger) *Miner {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	if opts.MinCount <= 0 {
		opts.MinCount = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.VariantLimit <= 0 {
		opts.VariantLimit = 10
	}
	if opts.MaxPhraseLen <= 0 {
		opts.MaxPhraseLen = 100
	}
	if len(opts.Fallback) == 0 {
		opts.Fallback = []string{"+1", "👍"}
	}
	return &Miner{src: src, triggers: trig, opts: opts, logger: logger}
}

// Select returns the ranked phrases a pass would promote, without writing.
func (m *Miner) Select(ctx context.Context) ([]Candidate, error) {
	popular, err := m.src.QueryPopular(ctx, m.opts.WindowDays, m.opts.MinCount)
	if err != nil {
		return nil, fmt.Errorf("query popular: %w", err)
	}

	var out []Candidate
	for _, p := range popular {
		if len(out) >= m.opts.BatchSize {
			break
		}
		if !m.eligible(p.Text) {
			continue
		}
		out = append(out, Candidate{Phrase: p.Text, Count: p.Count, DistinctSpeakers: p.DistinctSpeakers})
	}
	return out, nil
}

func (m *Miner) eligible(phrase string) bool {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" || utf8.RuneCountInString(phrase) > m.opts.MaxPhraseLen {
		return false
	}
	for _, p := range m.opts.CommandPrefixes {
		if p != "" && strings.HasPrefix(phrase, p) {
			return false
		}
	}
	return !m.triggers.Has(phrase)
}

// Run performs one mining pass: select phrases, gather response variants,
// store all new triggers in one write, then mark the contributing messages
// processed in one batch. Errors are reported in the result, never panicked.
func (m *Miner) Run(ctx context.Context) PassResult {
	start := time.Now()
	res := m.run(ctx)
	res.Duration = time.Since(start)

	ev := m.logger.Info()
	if !res.Success {
		ev = m.logger.Error()
	}
	ev.Int("promoted", len(res.Promoted)).
		Int64("processed", res.Processed).
		Dur("took", res.Duration).
		Msg(res.Message)
	return res
}

func (m *Miner) run(ctx context.Context) PassResult {
	candidates, err := m.Select(ctx)
	if err != nil {
		return PassResult{Message: err.Error()}
	}
	if len(candidates) == 0 {
		return PassResult{Success: true, Message: "no new phrases"}
	}

	batch := make(map[string][]string, len(candidates))
	phrases := make([]string, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		variants, err := m.src.SearchContaining(ctx, c.Phrase, m.opts.WindowDays, m.opts.VariantLimit)
		if err != nil {
			m.logger.Warn().Err(err).Str("phrase", c.Phrase).Msg("variant search failed, using fallback")
		}
		if len(variants) == 0 {
			variants = append([]string(nil), m.opts.Fallback...)
			c.UsedFallback = true
		}
		c.Responses = variants
		batch[c.Phrase] = variants
		phrases = append(phrases, c.Phrase)
	}

	if err := m.triggers.PutAll(ctx, batch); err != nil {
		return PassResult{Message: fmt.Sprintf("store triggers: %v", err)}
	}

	res := PassResult{Success: true, Promoted: candidates}
	ids, err := m.src.IDsForTexts(ctx, phrases, m.opts.WindowDays)
	if err == nil {
		res.Processed, err = m.src.MarkProcessed(ctx, ids)
	}
	if err != nil {
		// triggers are already stored; the next pass skips them as known
		res.Message = fmt.Sprintf("promoted %d phrases, mark processed failed: %v", len(candidates), err)
		return res
	}
	res.Message = fmt.Sprintf("promoted %d phrases", len(candidates))
	return res
}

// Cleanup deletes messages older than retentionDays.
func (m *Miner) Cleanup(ctx context.Context, retentionDays int) PassResult {
	start := time.Now()
	n, err := m.src.CleanupOlderThan(ctx, retentionDays)
	res := PassResult{Success: err == nil, Cleaned: n, Duration: time.Since(start)}
	if err != nil {
		res.Message = fmt.Sprintf("cleanup: %v", err)
		m.logger.Error().Err(err).Msg("retention cleanup failed")
		return res
	}
	res.Message = fmt.Sprintf("deleted %d messages older than %d days", n, retentionDays)
	m.logger.Info().Int64("deleted", n).Int("days", retentionDays).Msg("retention cleanup")
	return res
}
