package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/engine"
	"github.com/stellarlinkco/chatclaw/internal/gateway"
	"github.com/stellarlinkco/chatclaw/internal/logging"
	"github.com/stellarlinkco/chatclaw/internal/miner"
	"github.com/stellarlinkco/chatclaw/internal/responder"
)

var rootCmd = &cobra.Command{
	Use:           "chatclaw",
	Short:         "chatclaw - a group chat bot that learns how its chats talk",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the engine in single message or REPL mode",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + learning jobs + http)",
	RunE:  runGateway,
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Run one mining pass, plus cleanup on Sundays or with --cleanup",
	RunE:  runLearn,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatclaw status",
	RunE:  runStatus,
}

var (
	messageFlag string
	chatFlag    string
	cleanupFlag bool
)

// now is replaced in tests.
var now = time.Now

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVar(&chatFlag, "chat", "cli", "Conversation id to talk in")
	learnCmd.Flags().BoolVar(&cleanupFlag, "cleanup", false, "Also run retention cleanup")
	rootCmd.AddCommand(chatCmd, gatewayCmd, learnCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	return logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
}

// openEngine opens the engine with the remote generator when configured.
// The returned close func releases both.
func openEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*engine.Engine, func(), error) {
	var remote *responder.RuntimeRemote
	opts := engine.Options{Logger: logger}
	if cfg.Agent.RemoteFallback {
		rt, err := responder.NewAgentRuntime(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		remote = responder.NewRuntimeRemote(rt,
			time.Duration(cfg.Agent.RemoteTimeoutMs)*time.Millisecond, cfg.Agent.RemotePerMinute)
		opts.Remote = remote
	}
	eng, err := engine.Open(ctx, cfg, opts)
	if err != nil {
		if remote != nil {
			remote.Close()
		}
		return nil, nil, err
	}
	return eng, func() {
		if err := eng.Close(); err != nil {
			logger.Error().Err(err).Msg("close engine")
		}
		if remote != nil {
			remote.Close()
		}
	}, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	eng, closeFn, err := openEngine(ctx, cfg, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer closeFn()

	stdout := cmd.OutOrStdout()
	say := func(text string) {
		out := eng.Handle(ctx, engine.Incoming{
			ConversationID: chatFlag,
			SpeakerID:      "cli",
			Text:           text,
			Addressed:      true,
		})
		if out.Reply != "" {
			fmt.Fprintln(stdout, out.Reply)
		}
	}

	// Single message mode
	if messageFlag != "" {
		say(messageFlag)
		return nil
	}

	fmt.Fprintln(stdout, "chatclaw chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		say(input)
	}
	return scanner.Err()
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Agent.RemoteFallback && cfg.Provider.APIKey == "" {
		return errors.New("remote fallback enabled but API key not set. Set CHATCLAW_API_KEY or disable agent.remoteFallback")
	}

	ctx := context.Background()
	gw, err := gateway.New(ctx, cfg, gateway.Options{Logger: newLogger(cmd, cfg)})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

type learnReport struct {
	Mine    miner.PassResult  `json:"mine"`
	Cleanup *miner.PassResult `json:"cleanup,omitempty"`
}

func runLearn(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Agent.RemoteFallback = false
	ctx := context.Background()
	eng, closeFn, err := openEngine(ctx, cfg, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer closeFn()

	report := learnReport{Mine: eng.Mine(ctx)}
	ok := report.Mine.Success
	if cleanupFlag || now().Weekday() == time.Sunday {
		res := eng.Cleanup(ctx)
		report.Cleanup = &res
		ok = ok && res.Success
	}

	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !ok {
		return errors.New("learning pass failed")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	stdout := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(stdout, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(stdout, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Fprintf(stdout, "Data dir ready: %s\n", cfg.DataDir())
	fmt.Fprintln(stdout, "\nNext steps:")
	fmt.Fprintf(stdout, "  1. Edit %s to set your Telegram token and bot username\n", cfgPath)
	fmt.Fprintln(stdout, "  2. Or set CHATCLAW_TELEGRAM_TOKEN / CHATCLAW_USERNAME")
	fmt.Fprintln(stdout, "  3. Run 'chatclaw chat -m \"hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	stdout := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stdout, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(stdout, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(stdout, "Data: %s (kv=%s)\n", cfg.DataDir(), cfg.Storage.KV)
	fmt.Fprintf(stdout, "Username: %s\n", displayOr(cfg.Agent.Username, "not set"))
	fmt.Fprintf(stdout, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(stdout, "Playground: enabled=%v port=%d\n", cfg.Channels.Playground.Enabled, cfg.Channels.Playground.Port)
	fmt.Fprintf(stdout, "Remote fallback: %v (%s)\n", cfg.Agent.RemoteFallback, providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(stdout, "API Key: %s\n", maskKey(cfg.Provider.APIKey))

	if _, err := os.Stat(cfg.DBPath()); err != nil {
		fmt.Fprintln(stdout, "Store: not found (run 'chatclaw onboard')")
		return nil
	}

	cfg.Agent.RemoteFallback = false
	ctx := context.Background()
	eng, closeFn, err := openEngine(ctx, cfg, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(stdout, "Store: error (%v)\n", err)
		return nil
	}
	defer closeFn()
	st, err := eng.Stats(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "Store: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(stdout, "Messages: %d (%d unprocessed) in %d chats from %d speakers\n",
		st.Messages.Total, st.Messages.Unprocessed, st.Messages.Conversations, st.Messages.Speakers)
	fmt.Fprintf(stdout, "Triggers: %d\n", st.Triggers)
	fmt.Fprintf(stdout, "Style profiles: %d\n", st.Profiles)
	fmt.Fprintf(stdout, "Mood: %s (energy %d)\n", st.Mood.Mood, st.Mood.Energy)
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func displayOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
