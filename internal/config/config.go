package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens       = 256
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 18790
	DefaultPlaygroundPort  = 18791
	DefaultBufSize         = 100
	DefaultWorkers         = 8
	DefaultSilenceCheckSec = 30
	DefaultRemoteTimeoutMs = 8000
	DefaultRemotePerMinute = 12
	DefaultStoreTimeoutMs  = 5000
	DefaultKVBackend       = "file"
	DefaultRedisPrefix     = "chatclaw"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"

	DefaultMineWindowDays      = 7
	DefaultMinCount            = 3
	DefaultBatchSize           = 10
	DefaultMaxResponses        = 20
	DefaultVariantLimit        = 10
	DefaultMaxPhraseLen        = 100
	DefaultRetentionDays       = 30
	DefaultStyleRetentionDays  = 30
	DefaultTokenCap            = 500
	DefaultEmojiCap            = 200
	DefaultPunctCap            = 50
	DefaultStyleMinHistory     = 5
	DefaultAdminWeight         = 0.7
	DefaultInterjectionChance  = 0.05
	DefaultSilenceThresholdSec = 300
	DefaultSilenceCooldownSec  = 600
	DefaultMineSchedule        = "0 0 4 * * *"
	DefaultCleanupSchedule     = "0 30 4 * * 0"
)

// DefaultCommandPrefixes mark messages that are routed as commands and never learned from.
var DefaultCommandPrefixes = []string{"/", "!"}

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Storage  StorageConfig  `json:"storage"`
	Learning LearningConfig `json:"learning"`
	Logging  LoggingConfig  `json:"logging"`
	Admins   []string       `json:"admins"`
}

type AgentConfig struct {
	Name            string `json:"name"`
	Username        string `json:"username,omitempty"` // bot handle used for mention detection
	Workspace       string `json:"workspace"`
	Model           string `json:"model"`
	MaxTokens       int    `json:"maxTokens"`
	RemoteFallback  bool   `json:"remoteFallback"`
	RemoteTimeoutMs int    `json:"remoteTimeoutMs,omitempty"`
	RemotePerMinute int    `json:"remotePerMinute,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Playground PlaygroundConfig `json:"playground"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type PlaygroundConfig struct {
	Enabled   bool     `json:"enabled"`
	Port      int      `json:"port,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Workers         int    `json:"workers,omitempty"`
	SilenceCheckSec int    `json:"silenceCheckSec,omitempty"`
}

type StorageConfig struct {
	DataDir       string `json:"dataDir,omitempty"`
	DBPath        string `json:"dbPath,omitempty"`
	KV            string `json:"kv,omitempty"` // "file" or "redis"
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`
	RedisPrefix   string `json:"redisPrefix,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// LearningConfig holds the knobs of the learning and response engine.
// Every field can be overridden with a CHATCLAW_LEARN_* environment variable.
type LearningConfig struct {
	MineWindowDays      int      `json:"mineWindowDays" env:"MINE_WINDOW_DAYS"`
	MinCount            int      `json:"minCount" env:"MIN_COUNT"`
	BatchSize           int      `json:"batchSize" env:"BATCH_SIZE"`
	MaxResponses        int      `json:"maxResponses" env:"MAX_RESPONSES"`
	VariantLimit        int      `json:"variantLimit" env:"VARIANT_LIMIT"`
	MaxPhraseLen        int      `json:"maxPhraseLen" env:"MAX_PHRASE_LEN"`
	RetentionDays       int      `json:"retentionDays" env:"RETENTION_DAYS"`
	StyleRetentionDays  int      `json:"styleRetentionDays" env:"STYLE_RETENTION_DAYS"`
	TokenCap            int      `json:"tokenCap" env:"TOKEN_CAP"`
	EmojiCap            int      `json:"emojiCap" env:"EMOJI_CAP"`
	PunctCap            int      `json:"punctCap" env:"PUNCT_CAP"`
	StyleMinHistory     int      `json:"styleMinHistory" env:"STYLE_MIN_HISTORY"`
	AdminWeight         float64  `json:"adminWeight" env:"ADMIN_WEIGHT"`
	InterjectionChance  float64  `json:"interjectionChance" env:"INTERJECTION_CHANCE"`
	SilenceThresholdSec int      `json:"silenceThresholdSec" env:"SILENCE_THRESHOLD_SEC"`
	SilenceCooldownSec  int      `json:"silenceCooldownSec" env:"SILENCE_COOLDOWN_SEC"`
	CommandPrefixes     []string `json:"commandPrefixes" env:"COMMAND_PREFIXES" envSeparator:","`
	LexiconPath         string   `json:"lexiconPath,omitempty" env:"LEXICON_PATH"`
	Seed                uint64   `json:"seed,omitempty" env:"SEED"`
	MineSchedule        string   `json:"mineSchedule" env:"MINE_SCHEDULE"`
	CleanupSchedule     string   `json:"cleanupSchedule" env:"CLEANUP_SCHEDULE"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
}

func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		MineWindowDays:      DefaultMineWindowDays,
		MinCount:            DefaultMinCount,
		BatchSize:           DefaultBatchSize,
		MaxResponses:        DefaultMaxResponses,
		VariantLimit:        DefaultVariantLimit,
		MaxPhraseLen:        DefaultMaxPhraseLen,
		RetentionDays:       DefaultRetentionDays,
		StyleRetentionDays:  DefaultStyleRetentionDays,
		TokenCap:            DefaultTokenCap,
		EmojiCap:            DefaultEmojiCap,
		PunctCap:            DefaultPunctCap,
		StyleMinHistory:     DefaultStyleMinHistory,
		AdminWeight:         DefaultAdminWeight,
		InterjectionChance:  DefaultInterjectionChance,
		SilenceThresholdSec: DefaultSilenceThresholdSec,
		SilenceCooldownSec:  DefaultSilenceCooldownSec,
		CommandPrefixes:     append([]string(nil), DefaultCommandPrefixes...),
		MineSchedule:        DefaultMineSchedule,
		CleanupSchedule:     DefaultCleanupSchedule,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:            "chatclaw",
			Workspace:       filepath.Join(ConfigDir(), "workspace"),
			Model:           DefaultModel,
			MaxTokens:       DefaultMaxTokens,
			RemoteTimeoutMs: DefaultRemoteTimeoutMs,
			RemotePerMinute: DefaultRemotePerMinute,
		},
		Channels: ChannelsConfig{
			Playground: PlaygroundConfig{Port: DefaultPlaygroundPort},
		},
		Gateway: GatewayConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			Workers:         DefaultWorkers,
			SilenceCheckSec: DefaultSilenceCheckSec,
		},
		Storage: StorageConfig{
			KV:          DefaultKVBackend,
			RedisPrefix: DefaultRedisPrefix,
			TimeoutMs:   DefaultStoreTimeoutMs,
		},
		Learning: DefaultLearningConfig(),
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("CHATCLAW_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DataDir is where the message log and the persisted documents live.
func (c *Config) DataDir() string {
	if d := strings.TrimSpace(c.Storage.DataDir); d != "" {
		return d
	}
	return filepath.Join(ConfigDir(), "data")
}

func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Storage.DBPath); p != "" {
		return p
	}
	return filepath.Join(c.DataDir(), "messages.db")
}

// IsAdmin reports whether speakerID is listed in the admins section.
func (c *Config) IsAdmin(speakerID string) bool {
	for _, id := range c.Admins {
		if id == speakerID {
			return true
		}
	}
	return false
}

func LoadConfig() (*Config, error) {
	// .env is optional; a missing file is the common case.
	_ = godotenv.Load(filepath.Join(ConfigDir(), ".env"))

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("CHATCLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CHATCLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("CHATCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if username := os.Getenv("CHATCLAW_USERNAME"); username != "" {
		cfg.Agent.Username = username
	}
	if enabled := os.Getenv("CHATCLAW_REMOTE_FALLBACK"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Agent.RemoteFallback = parsed
		}
	}
	if dbPath := os.Getenv("CHATCLAW_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if backend := os.Getenv("CHATCLAW_KV"); backend != "" {
		cfg.Storage.KV = backend
	}
	if addr := os.Getenv("CHATCLAW_REDIS_ADDR"); addr != "" {
		cfg.Storage.RedisAddr = addr
	}
	if level := os.Getenv("CHATCLAW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if admins := os.Getenv("CHATCLAW_ADMINS"); admins != "" {
		cfg.Admins = splitList(admins)
	}
	if err := env.ParseWithOptions(&cfg.Learning, env.Options{Prefix: "CHATCLAW_LEARN_"}); err != nil {
		return nil, fmt.Errorf("parse learning env: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Agent.Workspace == "" {
		c.Agent.Workspace = def.Agent.Workspace
	}
	if c.Agent.RemoteTimeoutMs <= 0 {
		c.Agent.RemoteTimeoutMs = DefaultRemoteTimeoutMs
	}
	if c.Agent.RemotePerMinute <= 0 {
		c.Agent.RemotePerMinute = DefaultRemotePerMinute
	}
	if c.Gateway.Workers <= 0 {
		c.Gateway.Workers = DefaultWorkers
	}
	if c.Gateway.SilenceCheckSec <= 0 {
		c.Gateway.SilenceCheckSec = DefaultSilenceCheckSec
	}
	if c.Storage.KV == "" {
		c.Storage.KV = DefaultKVBackend
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = DefaultRedisPrefix
	}
	if c.Storage.TimeoutMs <= 0 {
		c.Storage.TimeoutMs = DefaultStoreTimeoutMs
	}

	l := &c.Learning
	d := def.Learning
	if l.MineWindowDays <= 0 {
		l.MineWindowDays = d.MineWindowDays
	}
	if l.MinCount <= 0 {
		l.MinCount = d.MinCount
	}
	if l.BatchSize <= 0 {
		l.BatchSize = d.BatchSize
	}
	if l.MaxResponses <= 0 {
		l.MaxResponses = d.MaxResponses
	}
	if l.VariantLimit <= 0 {
		l.VariantLimit = d.VariantLimit
	}
	if l.MaxPhraseLen <= 0 {
		l.MaxPhraseLen = d.MaxPhraseLen
	}
	if l.RetentionDays <= 0 {
		l.RetentionDays = d.RetentionDays
	}
	if l.StyleRetentionDays <= 0 {
		l.StyleRetentionDays = d.StyleRetentionDays
	}
	if l.TokenCap <= 0 {
		l.TokenCap = d.TokenCap
	}
	if l.EmojiCap <= 0 {
		l.EmojiCap = d.EmojiCap
	}
	if l.PunctCap <= 0 {
		l.PunctCap = d.PunctCap
	}
	if l.StyleMinHistory <= 0 {
		l.StyleMinHistory = d.StyleMinHistory
	}
	if l.AdminWeight < 0 || l.AdminWeight > 1 {
		l.AdminWeight = d.AdminWeight
	}
	if l.InterjectionChance < 0 || l.InterjectionChance > 1 {
		l.InterjectionChance = d.InterjectionChance
	}
	if l.SilenceThresholdSec <= 0 {
		l.SilenceThresholdSec = d.SilenceThresholdSec
	}
	if l.SilenceCooldownSec <= 0 {
		l.SilenceCooldownSec = d.SilenceCooldownSec
	}
	if len(l.CommandPrefixes) == 0 {
		l.CommandPrefixes = d.CommandPrefixes
	}
	if l.MineSchedule == "" {
		l.MineSchedule = d.MineSchedule
	}
	if l.CleanupSchedule == "" {
		l.CleanupSchedule = d.CleanupSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
