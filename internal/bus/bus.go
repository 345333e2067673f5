// Package bus defines the chat-transport boundary: the inbound event record
// the core consumes and the outbound message record it hands back. The actual
// Slack integration lives outside the core; the bus is the seam.
package bus

import (
	"context"
	"sync"
)

// InboundEvent is a chat event received from the transport.
type InboundEvent struct {
	TeamID          string `json:"team_id"`
	ChannelID       string `json:"channel_id"`
	ThreadID        string `json:"thread_id,omitempty"`
	UserID          string `json:"user_id"`
	Text            string `json:"text"`
	TimestampUnique string `json:"timestamp_unique"` // dedup key, 30s TTL window
}

// Block is one structured UI block for rich rendering. The core treats it as
// opaque; the transport decides how to render it.
type Block map[string]any

// OutboundMessage is a message handed to the chat transport.
type OutboundMessage struct {
	ChannelID    string  `json:"channel_id"`
	ThreadID     string  `json:"thread_id,omitempty"`
	UserID       string  `json:"user_id,omitempty"` // set for direct-message delivery
	Text         string  `json:"text"`
	Blocks       []Block `json:"blocks,omitempty"`
	FallbackText string  `json:"fallback_text,omitempty"`
}

// OutboundHandler receives messages destined for the transport.
type OutboundHandler func(OutboundMessage)

// MessageBus is the in-process pub/sub connecting the pipeline, agent runs,
// and scheduler output to the transport. Safe for concurrent use.
type MessageBus struct {
	mu       sync.RWMutex
	inbound  chan InboundEvent
	outbound []OutboundHandler
}

func NewMessageBus() *MessageBus {
	return &MessageBus{inbound: make(chan InboundEvent, 256)}
}

// PublishInbound enqueues an inbound chat event. Drops the event when the
// buffer is full rather than blocking the transport callback.
func (b *MessageBus) PublishInbound(ev InboundEvent) bool {
	select {
	case b.inbound <- ev:
		return true
	default:
		return false
	}
}

// ConsumeInbound blocks until an event arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return InboundEvent{}, false
	}
}

// SubscribeOutbound registers a handler for outbound messages.
func (b *MessageBus) SubscribeOutbound(h OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, h)
}

// PublishOutbound delivers a message to all outbound subscribers.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	handlers := make([]OutboundHandler, len(b.outbound))
	copy(handlers, b.outbound)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}
