// Package channel connects chat platforms to the message bus.
package channel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every channel shares: its name, the bus and the
// sender allow list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	logger    zerolog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string, logger zerolog.Logger) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allow,
		logger:    logger.With().Str("channel", name).Logger(),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}
