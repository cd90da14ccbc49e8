package chat

import "context"

// Directory resolves usernames before a new thread is opened.
type Directory interface {
	ResolveUser(ctx context.Context, username string) (bool, error)
}

// HistoryStore returns the persisted conversation between self and counterpart,
// oldest first, with directions relative to self.
type HistoryStore interface {
	FetchHistory(ctx context.Context, self, counterpart string) ([]Message, error)
}

// Sender delivers an outbound message. A nil error means the relay acknowledged it.
type Sender interface {
	SendMessage(ctx context.Context, from, to, content string) error
}

// PresenceSource answers batched online/offline queries.
type PresenceSource interface {
	FetchPresence(ctx context.Context, usernames []string) (PresenceSnapshot, error)
}

// PushChannel delivers raw event payloads published on a topic.
type PushChannel interface {
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error)
}

// Subscription is the release half of a PushChannel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Collaborators groups everything a Session consumes from outside the core.
type Collaborators struct {
	Directory Directory
	History   HistoryStore
	Sender    Sender
	Presence  PresenceSource
	Push      PushChannel
}
