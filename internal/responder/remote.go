package responder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/chatclaw/internal/config"
)

// ErrRemoteUnavailable wraps every failure of the remote generator: rate
// limiting, timeouts, transport errors and empty output.
var ErrRemoteUnavailable = errors.New("remote responder unavailable")

// Remote produces a reply from an external text-generation service.
type Remote interface {
	Reply(ctx context.Context, req RemoteRequest) (string, error)
}

type RemoteRequest struct {
	ConversationID string
	SpeakerID      string
	Text           string
	Style          string
	Mood           string
}

func (r RemoteRequest) prompt() string {
	var sb strings.Builder
	if r.Style != "" {
		fmt.Fprintf(&sb, "[chat style: %s]\n", r.Style)
	}
	if r.Mood != "" {
		fmt.Fprintf(&sb, "[your mood: %s]\n", r.Mood)
	}
	sb.WriteString(r.Text)
	return sb.String()
}

// Runtime is the subset of the agent runtime the remote needs (allows mocking in tests).
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

const basePrompt = `You are %s, a member of a casual group chat. Reply in one or two short
sentences, in the language of the message, matching the chat's style. Never
mention that you are a bot unless asked.`

// NewAgentRuntime builds the agentsdk runtime for the configured provider.
func NewAgentRuntime(ctx context.Context, cfg *config.Config) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(ctx, api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  systemPrompt(cfg),
		MaxIterations: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

func systemPrompt(cfg *config.Config) string {
	name := cfg.Agent.Name
	if name == "" {
		name = "chatclaw"
	}
	prompt := fmt.Sprintf(basePrompt, name)
	if cfg.Agent.Workspace != "" {
		if data, err := os.ReadFile(filepath.Join(cfg.Agent.Workspace, "SOUL.md")); err == nil {
			prompt += "\n\n" + strings.TrimSpace(string(data))
		}
	}
	return prompt
}

// RuntimeRemote calls the agent runtime under a per-call timeout and a
// shared rate limit.
type RuntimeRemote struct {
	rt      Runtime
	limiter *rate.Limiter
	timeout time.Duration
}

func NewRuntimeRemote(rt Runtime, timeout time.Duration, perMinute int) *RuntimeRemote {
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultRemoteTimeoutMs) * time.Millisecond
	}
	if perMinute <= 0 {
		perMinute = config.DefaultRemotePerMinute
	}
	return &RuntimeRemote{
		rt:      rt,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		timeout: timeout,
	}
}

func (r *RuntimeRemote) Reply(ctx context.Context, req RemoteRequest) (string, error) {
	if !r.limiter.Allow() {
		return "", fmt.Errorf("%w: rate limited", ErrRemoteUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.rt.Run(ctx, api.Request{
		Prompt:    req.prompt(),
		SessionID: "chat:" + req.ConversationID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	if resp == nil || resp.Result == nil || strings.TrimSpace(resp.Result.Output) == "" {
		return "", fmt.Errorf("%w: empty output", ErrRemoteUnavailable)
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (r *RuntimeRemote) Close() {
	r.rt.Close()
}
