package channel

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
)

func newPlayground(t *testing.T, b *bus.MessageBus) (*PlaygroundChannel, *httptest.Server) {
	t.Helper()
	ch, err := NewPlaygroundChannel(config.PlaygroundConfig{Enabled: true}, b, nop)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(ch.Handler(context.Background()))
	t.Cleanup(srv.Close)
	return ch, srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestNewPlaygroundChannel(t *testing.T) {
	ch, err := NewPlaygroundChannel(config.PlaygroundConfig{}, bus.NewMessageBus(1), nop)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Name() != "playground" {
		t.Errorf("Name() = %q", ch.Name())
	}
	if _, err := NewPlaygroundChannel(config.PlaygroundConfig{Port: -1}, bus.NewMessageBus(1), nop); err == nil {
		t.Error("expected error for negative port")
	}
}

func TestPlaygroundChannel_StartStop(t *testing.T) {
	ch, _ := NewPlaygroundChannel(config.PlaygroundConfig{}, bus.NewMessageBus(1), nop)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()

	_, port, err := net.SplitHostPort(ch.Addr())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "/ws") {
		t.Errorf("GET / = %d %q", resp.StatusCode, body)
	}
}

func TestPlaygroundChannel_RoundTrip(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, srv := newPlayground(t, b)
	ctx := context.Background()
	conn := dial(t, ctx, srv)

	writeJSON(t, ctx, conn, wsMessage{Type: "message", Content: "hello from test"})

	var in bus.InboundMessage
	select {
	case in = <-b.Inbound:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	if in.Channel != "playground" || in.Content != "hello from test" || !in.Addressed {
		t.Errorf("inbound = %+v", in)
	}
	if !strings.HasPrefix(in.ChatID, "pg-") || in.SenderID != in.ChatID {
		t.Errorf("chat = %q sender = %q", in.ChatID, in.SenderID)
	}

	if err := ch.Send(bus.OutboundMessage{Channel: "playground", ChatID: in.ChatID, Content: "reply from bot"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp := readJSON(t, ctx, conn); resp.Type != "message" || resp.Content != "reply from bot" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPlaygroundChannel_SharedGroup(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, srv := newPlayground(t, b)
	ctx := context.Background()
	alice := dial(t, ctx, srv)
	bob := dial(t, ctx, srv)
	loner := dial(t, ctx, srv)

	writeJSON(t, ctx, alice, wsMessage{Type: "message", Content: "gm", Chat: "room", Sender: "alice", Group: true})
	writeJSON(t, ctx, bob, wsMessage{Type: "message", Content: "gm gm", Chat: "room", Sender: "bob", Group: true})
	writeJSON(t, ctx, loner, wsMessage{Type: "message", Content: "alone", Sender: "carol"})

	seen := map[string]bus.InboundMessage{}
	for len(seen) < 3 {
		select {
		case in := <-b.Inbound:
			seen[in.SenderID] = in
		case <-time.After(3 * time.Second):
			t.Fatalf("got %d inbound messages", len(seen))
		}
	}
	if seen["alice"].ChatID != "room" || seen["alice"].Addressed {
		t.Errorf("alice = %+v", seen["alice"])
	}
	if seen["carol"].ChatID == "room" || !seen["carol"].Addressed {
		t.Errorf("carol = %+v", seen["carol"])
	}

	if err := ch.Send(bus.OutboundMessage{Channel: "playground", ChatID: "room", Content: "hi room"}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*websocket.Conn{alice, bob} {
		if msg := readJSON(t, ctx, c); msg.Content != "hi room" || msg.Chat != "room" {
			t.Errorf("room member got %+v", msg)
		}
	}
}

func TestPlaygroundChannel_Filters(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewPlaygroundChannel(config.PlaygroundConfig{AllowFrom: []string{"alice"}}, b, nop)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(ch.Handler(context.Background()))
	defer srv.Close()
	ctx := context.Background()
	conn := dial(t, ctx, srv)

	conn.Write(ctx, websocket.MessageText, []byte("not json"))
	writeJSON(t, ctx, conn, wsMessage{Type: "typing"})
	writeJSON(t, ctx, conn, wsMessage{Type: "message", Content: "  "})
	writeJSON(t, ctx, conn, wsMessage{Type: "message", Content: "sneaky", Sender: "mallory"})
	writeJSON(t, ctx, conn, wsMessage{Type: "message", Content: "legit", Sender: "alice"})

	select {
	case in := <-b.Inbound:
		if in.Content != "legit" {
			t.Errorf("first inbound = %+v", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestPlaygroundChannel_SendBroadcastWhenNoTarget(t *testing.T) {
	ch, srv := newPlayground(t, bus.NewMessageBus(1))
	ctx := context.Background()
	c1 := dial(t, ctx, srv)
	c2 := dial(t, ctx, srv)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		ch.clients.Range(func(_, _ any) bool { n++; return true })
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ch.Send(bus.OutboundMessage{ChatID: "unknown", Content: "broadcast msg"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i, c := range []*websocket.Conn{c1, c2} {
		if msg := readJSON(t, ctx, c); msg.Content != "broadcast msg" {
			t.Errorf("client %d content = %q", i+1, msg.Content)
		}
	}
}
