package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/store"
)

const telegramChannelName = "telegram"

// Telegram rejects messages longer than 4096 characters.
const telegramMaxRunes = 4000

// TelegramBot is the subset of the bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	self       tgbotapi.User
	proxy      string
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom, logger),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	t.logger.Info().Str("username", t.self.UserName).Msg("authorized")
	return nil
}

// Username is the bot handle without "@", known after Start.
func (t *TelegramChannel) Username() string { return t.self.UserName }

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info().Msg("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.logger.Debug().Str("sender", senderID).Str("username", msg.From.UserName).Msg("rejected message")
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	kind := messageKind(msg)
	if strings.TrimSpace(content) == "" && kind == store.KindText {
		return
	}

	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   content,
		Kind:      kind,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Addressed: t.addressed(msg),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"message_id": msg.MessageID,
			"chat_type":  msg.Chat.Type,
		},
	}
	if err := t.bus.PublishInbound(ctx, in); err != nil {
		t.logger.Warn().Err(err).Str("chat", in.ChatID).Msg("drop inbound message")
	}
}

// addressed reports a private chat, a reply to one of the bot's messages or
// an @mention of the bot.
func (t *TelegramChannel) addressed(msg *tgbotapi.Message) bool {
	if msg.Chat.IsPrivate() {
		return true
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && t.self.ID != 0 && r.From.ID == t.self.ID {
		return true
	}
	if t.self.UserName == "" {
		return false
	}
	handle := "@" + strings.ToLower(t.self.UserName)
	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	for _, e := range entities {
		if e.Type != "mention" {
			continue
		}
		if strings.ToLower(entityText(text, e)) == handle {
			return true
		}
	}
	return false
}

// entityText slices an entity out of text. Telegram offsets count UTF-16
// code units.
func entityText(text string, e tgbotapi.MessageEntity) string {
	units := 0
	start, end := -1, len(text)
	for i, r := range text {
		if units == e.Offset {
			start = i
		}
		if units == e.Offset+e.Length {
			end = i
			break
		}
		units++
		if r >= 0x10000 {
			units++
		}
	}
	if start < 0 {
		return ""
	}
	return text[start:end]
}

func messageKind(msg *tgbotapi.Message) store.Kind {
	switch {
	case len(msg.Photo) > 0:
		return store.KindPhoto
	case msg.Video != nil || msg.VideoNote != nil || msg.Animation != nil:
		return store.KindVideo
	case msg.Sticker != nil:
		return store.KindSticker
	case msg.Voice != nil || msg.Audio != nil:
		return store.KindVoice
	case msg.Document != nil:
		return store.KindDocument
	case msg.Text != "":
		return store.KindText
	}
	return store.KindOther
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info().Msg("stopped")
	return nil
}

// SetBot replaces the bot client, mostly for tests.
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
	t.self = bot.GetSelf()
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	for i, chunk := range splitMessage(msg.Content, telegramMaxRunes) {
		out := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo > 0 {
			out.ReplyToMessageID = replyTo
			out.AllowSendingWithoutReply = true
		}
		if _, err := t.bot.Send(out); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts s into chunks of at most max runes, preferring to break
// at a newline.
func splitMessage(s string, max int) []string {
	var out []string
	for utf8.RuneCountInString(s) > max {
		cut, n := 0, 0
		for i := range s {
			if n == max {
				cut = i
				break
			}
			n++
		}
		if nl := strings.LastIndex(s[:cut], "\n"); nl > 0 {
			cut = nl
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
