package chat

import (
	"maps"
	"slices"
	"time"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is a single chat line. Timestamp is the local capture time for sent
// messages and the relay's creation time for received ones.
type Message struct {
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Message) same(o Message) bool {
	return m.Direction == o.Direction && m.Content == o.Content && m.Timestamp.Equal(o.Timestamp)
}

// Thread is a copy of one conversation's state.
type Thread struct {
	Counterpart string    `json:"counterpart"`
	History     []Message `json:"history"`
}

// ThreadPreview is one row of the thread list shown next to the open thread.
type ThreadPreview struct {
	Counterpart string `json:"counterpart"`
	LastBody    string `json:"last_body"`
	LastTs      int64  `json:"last_ts"`
	Unread      int    `json:"unread"`
	Online      bool   `json:"online"`
}

// Selection is either empty (no thread selected) or names the open counterpart.
type Selection struct {
	Counterpart string `json:"counterpart,omitempty"`
}

func (s Selection) Selected() bool { return s.Counterpart != "" }

// PresenceSnapshot maps counterparts to their last observed online status.
// A missing entry means unknown and is treated as offline.
type PresenceSnapshot map[string]bool

func (p PresenceSnapshot) Clone() PresenceSnapshot {
	if p == nil {
		return PresenceSnapshot{}
	}
	return maps.Clone(p)
}

// Incoming is a decoded push notification for a new message.
type Incoming struct {
	Recipient string
	Sender    string
	Content   string
	CreatedAt time.Time
}

type thread struct {
	counterpart string
	history     []Message
	unread      int
}

func (t *thread) snapshot() Thread {
	return Thread{Counterpart: t.counterpart, History: slices.Clone(t.history)}
}

func (t *thread) preview(online bool) ThreadPreview {
	p := ThreadPreview{Counterpart: t.counterpart, Unread: t.unread, Online: online}
	if n := len(t.history); n > 0 {
		last := t.history[n-1]
		p.LastBody = last.Content
		p.LastTs = last.Timestamp.Unix()
	}
	return p
}
