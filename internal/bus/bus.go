// Package bus decouples chat channels from the gateway. Channels publish to
// Inbound; the gateway publishes replies to Outbound and DispatchOutbound
// fans them out to the subscriber registered for the target channel.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type OutboundHandler func(msg OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
	logger      zerolog.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]OutboundHandler),
		logger:      zerolog.Nop(),
	}
}

// SetLogger replaces the no-op logger used for dropped messages.
func (b *MessageBus) SetLogger(l zerolog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// PublishInbound queues msg for the gateway, giving up when ctx ends.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound queues msg for delivery, giving up when ctx ends.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers outbound messages until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	handlers := b.subscribers[msg.Channel]
	logger := b.logger
	b.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Warn().Str("channel", msg.Channel).Str("chat", msg.ChatID).Msg("no subscriber for outbound message")
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}
