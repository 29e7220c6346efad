package engine

import (
	"context"
	"strings"

	"github.com/stellarlinkco/chatclaw/internal/responder"
	"github.com/stellarlinkco/chatclaw/internal/store"
)

// Incoming is one message delivered by a channel.
type Incoming struct {
	ConversationID string
	SpeakerID      string
	Text           string
	Kind           store.Kind
	// Addressed is set by the channel for private chats and replies to the bot.
	Addressed bool
}

// Outcome describes what the engine did with a message. Reply is empty when
// the bot stays quiet.
type Outcome struct {
	Reply    string
	Branch   responder.Branch
	Recorded bool
	Command  bool
}

// Handle runs the whole inbound path for one message: memory commands,
// recording for mining, activity tracking, then either a reply (when the
// bot is addressed) or a rare interjection.
func (e *Engine) Handle(ctx context.Context, in Incoming) Outcome {
	unlock := e.locks.Lock(in.ConversationID)
	defer unlock()

	text := strings.TrimSpace(in.Text)
	e.monitor.Touch(in.ConversationID, in.SpeakerID)

	if body, ok := e.classifier.StripPrefix(text); ok {
		return Outcome{Command: true, Reply: e.command(ctx, in, body)}
	}

	var out Outcome
	if text == "" {
		return out
	}
	ok, err := e.Record(ctx, in.SpeakerID, in.ConversationID, text, in.Kind)
	if err != nil {
		e.logger.Warn().Err(err).Str("conversation", in.ConversationID).Msg("record message")
	}
	out.Recorded = ok

	req := responder.Request{ConversationID: in.ConversationID, SpeakerID: in.SpeakerID, Text: text}
	if in.Addressed || responder.Addressed(text, e.cfg.Agent.Username, e.cfg.Agent.Name) {
		r := e.reply(ctx, req)
		out.Reply, out.Branch = r.Text, r.Branch
		return out
	}

	e.gen.Observe(req)
	if line, ok := e.gen.Interject(); ok {
		out.Reply, out.Branch = line, responder.BranchInterjection
	}
	return out
}

// command handles /remember and /forget. Other commands are left to the
// channel layer and produce no reply here.
func (e *Engine) command(ctx context.Context, in Incoming, body string) string {
	name, arg, _ := strings.Cut(body, " ")
	name = strings.ToLower(name)
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	arg = strings.TrimSpace(arg)
	admin := e.cfg.IsAdmin(in.SpeakerID)

	switch name {
	case "remember":
		if arg == "" {
			return "что запомнить? /remember <текст>"
		}
		if err := e.memory.Remember(ctx, in.ConversationID, in.SpeakerID, arg, admin); err != nil {
			e.logger.Error().Err(err).Str("conversation", in.ConversationID).Msg("remember")
			return "не получилось запомнить 😕"
		}
		return "запомнил 👌"
	case "forget":
		if !admin {
			return "это могут только админы"
		}
		n, err := e.memory.Forget(ctx, in.ConversationID)
		if err != nil {
			e.logger.Error().Err(err).Str("conversation", in.ConversationID).Msg("forget")
			return "не получилось забыть 😕"
		}
		if n == 0 {
			return "я и так ничего не помню"
		}
		return "всё забыл 🫥"
	}
	return ""
}
