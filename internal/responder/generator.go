// Package responder picks the outgoing reply for a message through a fixed
// priority chain: anger, chat memory, conversation style, learned triggers,
// the optional remote generator and finally intent templates.
package responder

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/lexical"
	"github.com/stellarlinkco/chatclaw/internal/memory"
	"github.com/stellarlinkco/chatclaw/internal/mood"
	"github.com/stellarlinkco/chatclaw/internal/sample"
	"github.com/stellarlinkco/chatclaw/internal/style"
	"github.com/stellarlinkco/chatclaw/internal/triggers"
)

// Branch names the step of the chain that produced a reply.
type Branch string

const (
	BranchAnger        Branch = "anger"
	BranchCooling      Branch = "cooling"
	BranchMemory       Branch = "memory"
	BranchStyle        Branch = "style"
	BranchTrigger      Branch = "trigger"
	BranchRemote       Branch = "remote"
	BranchTemplate     Branch = "template"
	BranchInterjection Branch = "interjection"
)

type Request struct {
	ConversationID string
	SpeakerID      string
	Text           string
}

type Reply struct {
	Text   string
	Branch Branch
	// Label is the style the message was classified as.
	Label style.Label
}

type Options struct {
	StyleMinHistory    int
	InterjectionChance float64
}

// Deps are the shared services the chain reads and mutates. Remote may be nil.
type Deps struct {
	Anger     *mood.Anger
	Mood      *mood.Tracker
	Memory    *memory.Pool
	Styles    *style.Registry
	Triggers  *triggers.Store
	Remote    Remote
	Intents   IntentMatchers
	Templates Templates
	Sampler   *sample.Sampler
}

type Generator struct {
	d      Deps
	opts   Options
	logger zerolog.Logger
}

func New(d Deps, opts Options, logger zerolog.Logger) *Generator {
	if opts.StyleMinHistory <= 0 {
		opts.StyleMinHistory = 5
	}
	if d.Sampler == nil {
		d.Sampler = sample.New(0)
	}
	return &Generator{d: d, opts: opts, logger: logger}
}

// Observe folds a message into the style profile and the mood without
// producing a reply.
func (g *Generator) Observe(req Request) style.Label {
	label := g.d.Styles.Observe(req.ConversationID, req.SpeakerID, req.Text)
	g.d.Mood.Update(req.Text)
	return label
}

// Generate observes the message and returns a reply. The text is never empty.
func (g *Generator) Generate(ctx context.Context, req Request) Reply {
	label := g.Observe(req)
	reply := g.chain(ctx, req)
	reply.Label = label
	if strings.TrimSpace(reply.Text) == "" {
		reply = Reply{Text: g.last(), Branch: BranchTemplate, Label: label}
	}
	return reply
}

func (g *Generator) chain(ctx context.Context, req Request) Reply {
	if r, ok := g.angerBranch(req); ok {
		return r
	}
	if e, ok := g.d.Memory.Pick(req.ConversationID, g.d.Sampler); ok {
		return Reply{Text: e.Text, Branch: BranchMemory}
	}
	if r, ok := g.styleBranch(req); ok {
		return r
	}
	if text, ok := sample.Pick(g.d.Sampler, g.d.Triggers.Get(req.Text)); ok {
		return Reply{Text: text, Branch: BranchTrigger}
	}
	if r, ok := g.remoteBranch(ctx, req); ok {
		return r
	}
	return g.templateBranch(req)
}

// angerBranch raises anger when the message carries triggers. A calm
// message arriving while anger is still up gets a cooling line and lowers
// the level by one.
func (g *Generator) angerBranch(req Request) (Reply, bool) {
	if c := g.d.Anger.Contribution(req.Text); c > 0 {
		level := g.d.Anger.Add(req.ConversationID, c)
		text, ok := sample.Pick(g.d.Sampler, g.d.Templates.Anger[angerTier(level)])
		return Reply{Text: text, Branch: BranchAnger}, ok
	}
	if g.d.Anger.Level(req.ConversationID) == 0 {
		return Reply{}, false
	}
	g.d.Anger.Decay(req.ConversationID)
	text, ok := sample.Pick(g.d.Sampler, g.d.Templates.Cooling)
	return Reply{Text: text, Branch: BranchCooling}, ok
}

func (g *Generator) styleBranch(req Request) (Reply, bool) {
	p, ok := g.d.Styles.Get(req.ConversationID)
	if !ok || p.MessageCount <= g.opts.StyleMinHistory {
		return Reply{}, false
	}
	dominant, ok := p.Dominant()
	if !ok {
		return Reply{}, false
	}
	token, emoji := p.TopToken(), p.TopEmoji()
	var candidates []string
	for _, tmpl := range g.d.Templates.Style[dominant] {
		if text := fill(tmpl, token, emoji); text != "" {
			candidates = append(candidates, text)
		}
	}
	text, ok := sample.Pick(g.d.Sampler, candidates)
	return Reply{Text: text, Branch: BranchStyle}, ok
}

func (g *Generator) remoteBranch(ctx context.Context, req Request) (Reply, bool) {
	if g.d.Remote == nil {
		return Reply{}, false
	}
	dominant, _ := g.d.Styles.Dominant(req.ConversationID)
	text, err := g.d.Remote.Reply(ctx, RemoteRequest{
		ConversationID: req.ConversationID,
		SpeakerID:      req.SpeakerID,
		Text:           req.Text,
		Style:          string(dominant),
		Mood:           string(g.d.Mood.State().Mood),
	})
	if err != nil {
		ev := g.logger.Warn()
		if !errors.Is(err, ErrRemoteUnavailable) {
			ev = g.logger.Error()
		}
		ev.Err(err).Str("conversation", req.ConversationID).Msg("remote reply failed, using templates")
		return Reply{}, false
	}
	return Reply{Text: text, Branch: BranchRemote}, true
}

func (g *Generator) templateBranch(req Request) Reply {
	intent := g.d.Intents.Classify(req.Text)
	pool := g.d.Templates.Intent[intent]
	if intent == IntentOther {
		if moodPool := g.d.Templates.Mood[g.d.Mood.State().Mood]; len(moodPool) > 0 {
			pool = moodPool
		}
	}
	text, ok := sample.Pick(g.d.Sampler, pool)
	if !ok {
		text = g.last()
	}
	return Reply{Text: text, Branch: BranchTemplate}
}

// Interject returns an unrelated line with the configured probability.
func (g *Generator) Interject() (string, bool) {
	if !g.d.Sampler.Chance(g.opts.InterjectionChance) {
		return "", false
	}
	return sample.Pick(g.d.Sampler, g.d.Templates.Interjections)
}

// Encouragement returns a line to break a long silence.
func (g *Generator) Encouragement() string {
	if text, ok := sample.Pick(g.d.Sampler, g.d.Templates.Encouragement); ok {
		return text
	}
	return g.last()
}

// MinedFallback returns the generic replies used for a freshly promoted
// phrase when no richer variants exist.
func (g *Generator) MinedFallback() []string {
	return append([]string(nil), g.d.Templates.Mined...)
}

// Addressed reports whether text mentions the bot by @handle or name.
func Addressed(text, username, name string) bool {
	norm := lexical.Normalize(text)
	if username != "" {
		handle := "@" + strings.ToLower(strings.TrimPrefix(username, "@"))
		for _, f := range strings.Fields(norm) {
			if strings.TrimRight(f, ",.!?:;") == handle {
				return true
			}
		}
	}
	if name != "" {
		for _, w := range lexical.Words(norm) {
			if w == strings.ToLower(name) {
				return true
			}
		}
	}
	return false
}

func (g *Generator) last() string {
	if g.d.Templates.Last != "" {
		return g.d.Templates.Last
	}
	return "..."
}
