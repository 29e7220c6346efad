// Package gateway runs the bot: it moves messages between the chat channels
// and the engine, schedules learning jobs, nudges quiet conversations and
// serves health, stats and metrics over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/channel"
	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/cron"
	"github.com/stellarlinkco/chatclaw/internal/engine"
	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/logging"
	"github.com/stellarlinkco/chatclaw/internal/metrics"
	"github.com/stellarlinkco/chatclaw/internal/responder"
)

// Cron task names.
const (
	TaskMine    = "mine"
	TaskCleanup = "cleanup"

	mineJobName    = "learn:mine"
	cleanupJobName = "learn:cleanup"
)

const flushInterval = time.Minute

// RuntimeFactory creates the remote generation runtime.
type RuntimeFactory func(ctx context.Context, cfg *config.Config) (responder.Runtime, error)

type Options struct {
	// RuntimeFactory is used when remote fallback is enabled. It defaults to
	// responder.NewAgentRuntime.
	RuntimeFactory RuntimeFactory
	Backend        kv.Backend
	Now            func() time.Time
	SignalChan     chan os.Signal // for testing signal handling
	Logger         zerolog.Logger
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	engine     *engine.Engine
	remote     *responder.RuntimeRemote
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal
	logger     zerolog.Logger

	httpAddr     chan string
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		logger:     logging.Component(opts.Logger, "gateway"),
		httpAddr:   make(chan string, 1),
	}
	g.bus.SetLogger(logging.Component(opts.Logger, "bus"))

	var remote responder.Remote
	if cfg.Agent.RemoteFallback {
		factory := opts.RuntimeFactory
		if factory == nil {
			factory = responder.NewAgentRuntime
		}
		rt, err := factory(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create remote runtime: %w", err)
		}
		g.remote = responder.NewRuntimeRemote(rt,
			time.Duration(cfg.Agent.RemoteTimeoutMs)*time.Millisecond, cfg.Agent.RemotePerMinute)
		remote = g.remote
	}

	eng, err := engine.Open(ctx, cfg, engine.Options{
		Remote:  remote,
		Backend: opts.Backend,
		Now:     opts.Now,
		Logger:  opts.Logger,
	})
	if err != nil {
		g.closeRemote()
		return nil, err
	}
	g.engine = eng

	g.cron = cron.NewService(filepath.Join(cfg.DataDir(), "cron", "jobs.json"), logging.Component(opts.Logger, "cron"))
	g.cron.OnJob = g.onJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, opts.Logger)
	if err != nil {
		_ = eng.Close()
		g.closeRemote()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// Engine exposes the underlying engine.
func (g *Gateway) Engine() *engine.Engine { return g.engine }

func (g *Gateway) onJob(ctx context.Context, job cron.CronJob) (string, error) {
	switch job.Payload.Task {
	case TaskMine:
		res := g.engine.Mine(ctx)
		if !res.Success {
			return "", errors.New(res.Message)
		}
		return res.Message, nil
	case TaskCleanup:
		res := g.engine.Cleanup(ctx)
		if !res.Success {
			return "", errors.New(res.Message)
		}
		return res.Message, nil
	case "":
		if !job.Payload.Deliver || job.Payload.Channel == "" || job.Payload.Message == "" {
			return "", fmt.Errorf("job %s has nothing to deliver", job.Name)
		}
		err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: job.Payload.Message,
		})
		if err != nil {
			return "", err
		}
		return "delivered", nil
	}
	return "", fmt.Errorf("unknown task %q", job.Payload.Task)
}

// ensureLearningJobs keeps the mining and cleanup jobs in line with config.
func (g *Gateway) ensureLearningJobs() error {
	l := g.cfg.Learning
	_, err := g.cron.EnsureJob(mineJobName,
		cron.Schedule{Kind: cron.KindCron, Expr: l.MineSchedule}, cron.Payload{Task: TaskMine})
	if err != nil {
		return fmt.Errorf("ensure mine job: %w", err)
	}
	_, err = g.cron.EnsureJob(cleanupJobName,
		cron.Schedule{Kind: cron.KindCron, Expr: l.CleanupSchedule}, cron.Payload{Task: TaskCleanup})
	if err != nil {
		return fmt.Errorf("ensure cleanup job: %w", err)
	}
	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.adoptUsername()
	g.logger.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("cron start")
	}
	if err := g.ensureLearningJobs(); err != nil {
		g.logger.Warn().Err(err).Msg("schedule learning jobs")
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.processLoop(gctx) })
	eg.Go(func() error { return g.silenceLoop(gctx) })
	eg.Go(func() error { return g.flushLoop(gctx) })
	eg.Go(func() error { return g.serveHTTP(gctx) })

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		g.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-gctx.Done():
		g.logger.Info().Msg("context done, shutting down")
	}

	cancel()
	runErr := eg.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, g.Shutdown())
}

// adoptUsername fills in the bot handle from Telegram when config has none.
func (g *Gateway) adoptUsername() {
	if g.cfg.Agent.Username != "" {
		return
	}
	ch, ok := g.channels.Get("telegram")
	if !ok {
		return
	}
	if tg, ok := ch.(*channel.TelegramChannel); ok && tg.Username() != "" {
		g.cfg.Agent.Username = tg.Username()
	}
}

// processLoop handles inbound messages on a bounded pool of goroutines.
func (g *Gateway) processLoop(ctx context.Context) error {
	var workers errgroup.Group
	workers.SetLimit(max(g.cfg.Gateway.Workers, 1))
	for {
		select {
		case msg := <-g.bus.Inbound:
			workers.Go(func() error {
				g.handle(ctx, msg)
				return nil
			})
		case <-ctx.Done():
			return workers.Wait()
		}
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	g.logger.Debug().
		Str("channel", msg.Channel).
		Str("sender", msg.SenderID).
		Str("text", truncate(msg.Content, 80)).
		Msg("inbound")

	out := g.engine.Handle(ctx, engine.Incoming{
		ConversationID: msg.SessionKey(),
		SpeakerID:      msg.SenderID,
		Text:           msg.Content,
		Kind:           msg.Kind,
		Addressed:      msg.Addressed,
	})
	if out.Reply == "" {
		return
	}

	reply := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: out.Reply}
	if out.Branch != responder.BranchInterjection {
		reply.ReplyTo = messageID(msg.Metadata)
	}
	if err := g.bus.PublishOutbound(ctx, reply); err != nil {
		g.logger.Warn().Err(err).Str("chat", msg.ChatID).Msg("drop reply")
	}
}

func messageID(meta map[string]any) string {
	switch v := meta["message_id"].(type) {
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	}
	return ""
}

func (g *Gateway) silenceLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(max(g.cfg.Gateway.SilenceCheckSec, 1)) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.checkSilence(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gateway) checkSilence(ctx context.Context) {
	for _, n := range g.engine.CheckSilence() {
		ch, chatID, ok := bus.ParseSessionKey(n.ConversationID)
		if !ok {
			g.logger.Warn().Str("conversation", n.ConversationID).Msg("cannot route nudge")
			continue
		}
		if err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{Channel: ch, ChatID: chatID, Content: n.Text}); err != nil {
			return
		}
	}
}

func (g *Gateway) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := g.engine.Flush(ctx); err != nil {
				g.logger.Warn().Err(err).Msg("periodic flush")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Router serves /healthz, /metrics and the JSON API.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", g.handleStats)
		r.Get("/triggers", g.handleTriggers)
		r.Post("/mine", g.handleMine)
	})
	return r
}

type statsResponse struct {
	Messages struct {
		Total         int       `json:"total"`
		Unprocessed   int       `json:"unprocessed"`
		Conversations int       `json:"conversations"`
		Speakers      int       `json:"speakers"`
		Oldest        time.Time `json:"oldest,omitempty"`
		Newest        time.Time `json:"newest,omitempty"`
	} `json:"messages"`
	Triggers int    `json:"triggers"`
	Profiles int    `json:"profiles"`
	Mood     string `json:"mood"`
	Energy   int    `json:"energy"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := g.engine.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	var resp statsResponse
	resp.Messages.Total = st.Messages.Total
	resp.Messages.Unprocessed = st.Messages.Unprocessed
	resp.Messages.Conversations = st.Messages.Conversations
	resp.Messages.Speakers = st.Messages.Speakers
	resp.Messages.Oldest = st.Messages.Oldest
	resp.Messages.Newest = st.Messages.Newest
	resp.Triggers = st.Triggers
	resp.Profiles = st.Profiles
	resp.Mood = string(st.Mood.Mood)
	resp.Energy = st.Mood.Energy
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleTriggers(w http.ResponseWriter, _ *http.Request) {
	t := g.engine.Triggers()
	out := make(map[string][]string, t.Len())
	for _, p := range t.Phrases() {
		out[p] = t.Get(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleMine(w http.ResponseWriter, r *http.Request) {
	res := g.engine.Mine(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port)))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	srv := &http.Server{Handler: g.Router(), ReadHeaderTimeout: 10 * time.Second}
	g.httpAddr <- ln.Addr().String()
	g.logger.Info().Str("addr", ln.Addr().String()).Msg("http listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Shutdown stops the scheduler and the channels and flushes engine state.
// It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		_ = g.channels.StopAll()
		g.shutdownErr = g.engine.Close()
		g.closeRemote()
		if g.shutdownErr != nil {
			g.logger.Error().Err(g.shutdownErr).Msg("close engine")
		}
		g.logger.Info().Msg("shutdown complete")
	})
	return g.shutdownErr
}

func (g *Gateway) closeRemote() {
	if g.remote != nil {
		g.remote.Close()
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
