// Package engine wires the learning pipeline and the response chain into a
// single service the gateway and the CLI talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/activity"
	"github.com/stellarlinkco/chatclaw/internal/classifier"
	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/lexical"
	"github.com/stellarlinkco/chatclaw/internal/logging"
	"github.com/stellarlinkco/chatclaw/internal/memory"
	"github.com/stellarlinkco/chatclaw/internal/metrics"
	"github.com/stellarlinkco/chatclaw/internal/miner"
	"github.com/stellarlinkco/chatclaw/internal/mood"
	"github.com/stellarlinkco/chatclaw/internal/responder"
	"github.com/stellarlinkco/chatclaw/internal/sample"
	"github.com/stellarlinkco/chatclaw/internal/store"
	"github.com/stellarlinkco/chatclaw/internal/style"
	"github.com/stellarlinkco/chatclaw/internal/triggers"
)

// Document names in the key-value backend.
const (
	docTriggers = "triggers"
	docStyles   = "styles"
	docMood     = "mood"
	docMemory   = "memory"
)

type Options struct {
	// Remote is the optional remote generator tried before templates.
	Remote responder.Remote
	// Backend overrides the key-value backend chosen from config.
	Backend kv.Backend
	Now     func() time.Time
	Logger  zerolog.Logger
}

type Engine struct {
	cfg        *config.Config
	classifier *classifier.Classifier
	store      *store.Store
	backend    kv.Backend
	triggers   *triggers.Store
	styles     *style.Registry
	mood       *mood.Tracker
	anger      *mood.Anger
	memory     *memory.Pool
	gen        *responder.Generator
	miner      *miner.Miner
	monitor    *activity.Monitor
	locks      *keyedMutex
	logger     zerolog.Logger
}

// Open builds every component from cfg and loads persisted state. State that
// fails to load is logged and replaced by an empty default.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.Component(opts.Logger, "engine")
	l := cfg.Learning

	lex, err := config.LoadLexicon(l.LexiconPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", l.LexiconPath).Msg("lexicon load failed, using built-in lexicon")
	}

	cls := classifier.New(l.CommandPrefixes)
	st, err := store.Open(cfg.DBPath(), store.Options{
		Classifier: cls,
		Timeout:    time.Duration(cfg.Storage.TimeoutMs) * time.Millisecond,
		Now:        opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	m := lexical.NewMatcher
	e := &Engine{
		cfg:        cfg,
		classifier: cls,
		store:      st,
		backend:    backend,
		triggers:   triggers.New(kv.Open[triggers.State](backend, docTriggers), l.MaxResponses, logging.Component(opts.Logger, "triggers")),
		styles: style.NewRegistry(kv.Open[style.State](backend, docStyles), style.Rules(style.Matchers{
			Meme:     m(lex.MemeSlang),
			Crypto:   m(lex.CryptoWords),
			Question: m(lex.QuestionWords),
		}), style.Options{
			TokenCap: l.TokenCap,
			EmojiCap: l.EmojiCap,
			PunctCap: l.PunctCap,
			Now:      opts.Now,
		}, logging.Component(opts.Logger, "style")),
		mood: mood.NewTracker(kv.Open[mood.State](backend, docMood), mood.Affect{
			Positive: m(lex.PositiveWords),
			Negative: m(lex.NegativeWords),
			Laughter: m(lex.LaughterMarkers),
		}, logging.Component(opts.Logger, "mood")),
		anger: mood.NewAnger(lex.AngerTriggers),
		memory: memory.NewPool(kv.Open[memory.PoolState](backend, docMemory), memory.PoolOptions{
			AdminWeight: l.AdminWeight,
			Now:         opts.Now,
		}, logging.Component(opts.Logger, "memory")),
		monitor: activity.New(
			time.Duration(l.SilenceThresholdSec)*time.Second,
			time.Duration(l.SilenceCooldownSec)*time.Second,
			opts.Now,
		),
		locks:  newKeyedMutex(),
		logger: logger,
	}

	tmpl := responder.DefaultTemplates()
	tmpl.Override(lex.Replies)
	e.gen = responder.New(responder.Deps{
		Anger:    e.anger,
		Mood:     e.mood,
		Memory:   e.memory,
		Styles:   e.styles,
		Triggers: e.triggers,
		Remote:   opts.Remote,
		Intents: responder.IntentMatchers{
			Greeting: m(lex.GreetingWords),
			Crypto:   m(lex.CryptoWords),
			Teasing:  m(lex.TeasingWords),
			Help:     m(lex.HelpWords),
			Question: m(lex.QuestionWords),
		},
		Templates: tmpl,
		Sampler:   sample.New(l.Seed),
	}, responder.Options{
		StyleMinHistory:    l.StyleMinHistory,
		InterjectionChance: l.InterjectionChance,
	}, logging.Component(opts.Logger, "responder"))

	e.miner = miner.New(st, e.triggers, miner.Options{
		WindowDays:      l.MineWindowDays,
		MinCount:        l.MinCount,
		BatchSize:       l.BatchSize,
		VariantLimit:    l.VariantLimit,
		MaxPhraseLen:    l.MaxPhraseLen,
		CommandPrefixes: l.CommandPrefixes,
		Fallback:        e.gen.MinedFallback(),
	}, logging.Component(opts.Logger, "miner"))

	e.load(ctx)
	return e, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (kv.Backend, error) {
	switch strings.ToLower(cfg.Storage.KV) {
	case "redis":
		b := kv.NewRedisBackend(kv.RedisOptions{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
			Prefix:   cfg.Storage.RedisPrefix,
		})
		pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Storage.TimeoutMs)*time.Millisecond)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Storage.RedisAddr, err)
		}
		return b, nil
	case "", "file":
		return kv.NewFileBackend(filepath.Join(cfg.DataDir(), "state"))
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Storage.KV)
	}
}

func (e *Engine) load(ctx context.Context) {
	loaders := []struct {
		name string
		fn   func(context.Context) error
	}{
		{docTriggers, e.triggers.Load},
		{docStyles, e.styles.Load},
		{docMood, e.mood.Load},
		{docMemory, e.memory.Load},
	}
	for _, l := range loaders {
		if err := l.fn(ctx); err != nil {
			e.logger.Warn().Err(err).Str("document", l.name).Msg("load failed, starting empty")
		}
	}
	metrics.TriggersKnown.Set(float64(e.triggers.Len()))
	metrics.Energy.Set(float64(e.mood.State().Energy))
	e.logger.Info().
		Int("triggers", e.triggers.Len()).
		Int("profiles", e.styles.Len()).
		Str("mood", string(e.mood.State().Mood)).
		Msg("engine state loaded")
}

// Record stores a message for mining. It returns false, without writing,
// for commands and spam.
func (e *Engine) Record(ctx context.Context, speakerID, conversationID, text string, kind store.Kind) (bool, error) {
	ok, err := e.store.SaveMessage(ctx, store.StoredMessage{
		SpeakerID:      speakerID,
		ConversationID: conversationID,
		Text:           text,
		Kind:           kind,
	})
	switch {
	case err != nil:
		metrics.MessagesRecorded.WithLabelValues("error").Inc()
	case ok:
		metrics.MessagesRecorded.WithLabelValues("stored").Inc()
	default:
		verdict := e.classifier.Classify(text)
		outcome := "spam"
		if verdict.IsCommand {
			outcome = "command"
		}
		metrics.MessagesRecorded.WithLabelValues(outcome).Inc()
	}
	return ok, err
}

// Generate produces a reply for text. It never returns an empty string.
func (e *Engine) Generate(ctx context.Context, text, speakerID, conversationID string) string {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	return e.reply(ctx, responder.Request{ConversationID: conversationID, SpeakerID: speakerID, Text: text}).Text
}

func (e *Engine) reply(ctx context.Context, req responder.Request) responder.Reply {
	r := e.gen.Generate(ctx, req)
	metrics.Replies.WithLabelValues(string(r.Branch)).Inc()
	metrics.StyleLabels.WithLabelValues(string(r.Label)).Inc()
	metrics.Energy.Set(float64(e.mood.State().Energy))
	return r
}

// Mine runs one mining pass.
func (e *Engine) Mine(ctx context.Context) miner.PassResult {
	res := e.miner.Run(ctx)
	metrics.ObservePass("mine", res.Success)
	metrics.TriggersPromoted.Add(float64(len(res.Promoted)))
	metrics.TriggersKnown.Set(float64(e.triggers.Len()))
	return res
}

// Cleanup applies message retention and drops stale style profiles.
func (e *Engine) Cleanup(ctx context.Context) miner.PassResult {
	res := e.miner.Cleanup(ctx, e.cfg.Learning.RetentionDays)
	dropped := e.styles.Cleanup(time.Duration(e.cfg.Learning.StyleRetentionDays) * 24 * time.Hour)
	if dropped > 0 {
		res.Message += fmt.Sprintf(", dropped %d style profiles", dropped)
	}
	if err := e.Flush(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("flush after cleanup")
	}
	metrics.ObservePass("cleanup", res.Success)
	return res
}

// Nudge is an encouragement to send into a quiet conversation.
type Nudge struct {
	ConversationID string
	Text           string
}

// CheckSilence returns one encouragement per conversation that went quiet.
func (e *Engine) CheckSilence() []Nudge {
	due := e.monitor.Check()
	out := make([]Nudge, 0, len(due))
	for _, d := range due {
		out = append(out, Nudge{ConversationID: d.ConversationID, Text: e.gen.Encouragement()})
		metrics.Encouragements.Inc()
		e.logger.Debug().Str("conversation", d.ConversationID).Dur("silence", d.Silence).Msg("silence nudge")
	}
	return out
}

// Flush persists the style profiles and the mood.
func (e *Engine) Flush(ctx context.Context) error {
	return errors.Join(e.styles.Save(ctx), e.mood.Save(ctx))
}

type Stats struct {
	Messages store.Stats
	Triggers int
	Profiles int
	Mood     mood.State
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	ms, err := e.store.Stats(ctx)
	return Stats{
		Messages: ms,
		Triggers: e.triggers.Len(),
		Profiles: e.styles.Len(),
		Mood:     e.mood.State(),
	}, err
}

// Triggers exposes the learned phrases for inspection.
func (e *Engine) Triggers() *triggers.Store { return e.triggers }

func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.Storage.TimeoutMs)*time.Millisecond)
	defer cancel()
	return errors.Join(e.Flush(ctx), e.store.Close(), e.backend.Close())
}
