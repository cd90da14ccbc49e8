package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pelusa-v/pelusa-chat/internal/protocol"
)

// LiveMessageBridge appends pushed messages addressed to the signed-in user to
// the matching thread. It holds at most one subscription at a time.
type LiveMessageBridge struct {
	channel PushChannel
	topic   string
	logger  *slog.Logger

	mu   sync.Mutex
	self string
	sink *ThreadRegistry
	sub  Subscription
}

func NewLiveMessageBridge(channel PushChannel, topic string, logger *slog.Logger) *LiveMessageBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveMessageBridge{
		channel: channel,
		topic:   topic,
		logger:  logger.With("component", "bridge", "topic", topic),
	}
}

// Subscribe binds the bridge to self and sink. An existing subscription is
// released first so no event is ever handled twice.
func (b *LiveMessageBridge) Subscribe(ctx context.Context, self string, sink *ThreadRegistry) error {
	b.Unsubscribe()

	b.mu.Lock()
	b.self = self
	b.sink = sink
	b.mu.Unlock()

	sub, err := b.channel.Subscribe(ctx, b.topic, b.handle)
	if err != nil {
		b.mu.Lock()
		b.self = ""
		b.sink = nil
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	b.logger.Info("subscribed", "user", self)
	return nil
}

// Unsubscribe releases the current subscription, if any. Events delivered
// after it returns are ignored.
func (b *LiveMessageBridge) Unsubscribe() {
	b.mu.Lock()
	sub, self := b.sub, b.self
	b.sub = nil
	b.sink = nil
	b.self = ""
	b.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Warn("unsubscribe failed", "user", self, "err", err)
	}
	b.logger.Info("unsubscribed", "user", self)
}

func (b *LiveMessageBridge) handle(payload []byte) {
	in, err := DecodeIncoming(payload)
	if err != nil {
		b.logger.Warn("dropping push event", "err", err)
		return
	}

	b.mu.Lock()
	self, sink := b.self, b.sink
	b.mu.Unlock()

	if sink == nil {
		return
	}
	if in.Recipient != self {
		b.logger.Debug("dropping event for another recipient", "recipient", in.Recipient)
		return
	}

	msg := Message{Direction: DirectionReceived, Content: in.Content, Timestamp: in.CreatedAt}
	if !sink.AppendReceived(in.Sender, msg) {
		b.logger.Debug("dropping event for unopened thread", "sender", in.Sender)
	}
}

// DecodeIncoming validates a push payload of the form
// {recv_id, send_id, msg, created_at}.
func DecodeIncoming(payload []byte) (Incoming, error) {
	m, err := protocol.DecodeChatMessage(payload)
	if err != nil {
		return Incoming{}, fmt.Errorf("%w: %w", ErrChannel, err)
	}
	return Incoming{
		Recipient: m.RecvID,
		Sender:    m.SendID,
		Content:   m.Msg,
		CreatedAt: m.CreatedAt,
	}, nil
}
