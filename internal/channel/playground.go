package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/store"
)

const playgroundChannelName = "playground"

const playgroundPage = `<!doctype html>
<meta charset="utf-8"><title>chatclaw playground</title>
<pre id="log"></pre>
<form id="f"><input id="m" size="60" autofocus> <label><input id="g" type="checkbox"> group</label></form>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
const log = (s) => { document.getElementById("log").textContent += s + "\n"; };
ws.onmessage = (e) => log("bot: " + JSON.parse(e.data).content);
document.getElementById("f").onsubmit = (e) => {
  e.preventDefault();
  const m = document.getElementById("m");
  ws.send(JSON.stringify({type: "message", content: m.value, group: document.getElementById("g").checked}));
  log("you: " + m.value);
  m.value = "";
};
</script>
`

// wsMessage is the playground wire format. Chat and Sender let several
// browser tabs share one simulated group; both default to the client ID.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Chat    string `json:"chat,omitempty"`
	Sender  string `json:"sender,omitempty"`
	// Group marks the message as sent in a group, where the bot only
	// answers when mentioned.
	Group bool `json:"group,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
	chat atomic.Value // string
}

// PlaygroundChannel is a local websocket chat for trying the bot without a
// chat platform.
type PlaygroundChannel struct {
	BaseChannel
	port     int
	server   *http.Server
	listener net.Listener
	clients  sync.Map // client ID -> *wsClient
	nextID   atomic.Int64
}

func NewPlaygroundChannel(cfg config.PlaygroundConfig, b *bus.MessageBus, logger zerolog.Logger) (*PlaygroundChannel, error) {
	port := cfg.Port
	if port < 0 {
		return nil, fmt.Errorf("invalid playground port %d", port)
	}
	return &PlaygroundChannel{
		BaseChannel: NewBaseChannel(playgroundChannelName, b, cfg.AllowFrom, logger),
		port:        port,
	}, nil
}

// Handler serves the page at / and the websocket at /ws.
func (p *PlaygroundChannel) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(playgroundPage))
	})
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		p.handleWS(ctx, w, r)
	})
	return r
}

func (p *PlaygroundChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
	if err != nil {
		return fmt.Errorf("listen playground: %w", err)
	}
	p.listener = ln
	p.server = &http.Server{
		Handler:           p.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		p.logger.Info().Str("addr", ln.Addr().String()).Msg("playground listening")
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("playground server")
		}
	}()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (p *PlaygroundChannel) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *PlaygroundChannel) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		p.logger.Warn().Err(err).Msg("websocket accept")
		return
	}

	id := fmt.Sprintf("pg-%d", p.nextID.Add(1))
	client := &wsClient{conn: conn, id: id}
	client.chat.Store(id)
	p.clients.Store(id, client)
	p.logger.Debug().Str("client", id).Msg("client connected")

	defer func() {
		p.clients.Delete(id)
		conn.CloseNow()
		p.logger.Debug().Str("client", id).Msg("client disconnected")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "message" {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}

		sender := firstNonEmpty(msg.Sender, id)
		chat := firstNonEmpty(msg.Chat, id)
		client.chat.Store(chat)
		if !p.IsAllowed(sender) {
			p.logger.Debug().Str("sender", sender).Msg("rejected message")
			continue
		}

		in := bus.InboundMessage{
			Channel:   playgroundChannelName,
			SenderID:  sender,
			ChatID:    chat,
			Content:   msg.Content,
			Kind:      store.KindText,
			Timestamp: time.Now(),
			Addressed: !msg.Group,
		}
		if err := p.bus.PublishInbound(ctx, in); err != nil {
			return
		}
	}
}

// Send delivers to every client currently in msg.ChatID, or to all clients
// when nobody is.
func (p *PlaygroundChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(wsMessage{Type: "message", Content: msg.Content, Chat: msg.ChatID})
	if err != nil {
		return err
	}

	var targets []*wsClient
	var all []*wsClient
	p.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		all = append(all, c)
		if chat, _ := c.chat.Load().(string); chat == msg.ChatID {
			targets = append(targets, c)
		}
		return true
	})
	if len(targets) == 0 {
		targets = all
	}

	var errs []error
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", c.id, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

func (p *PlaygroundChannel) Stop() error {
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("playground shutdown")
		}
	}
	p.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	p.logger.Info().Msg("stopped")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
