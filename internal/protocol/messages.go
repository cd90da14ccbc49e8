// Package protocol defines the JSON envelopes exchanged between the relay and
// its clients over a websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	// Client -> Relay
	TypeLogin       MessageType = "login"
	TypeFindUser    MessageType = "find_user"
	TypeGetMessages MessageType = "get_messages"
	TypeGetConn     MessageType = "get_connection"
	TypeChat        MessageType = "chat"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"

	// Relay -> Client
	TypeOK      MessageType = "ok"
	TypeError   MessageType = "error"
	TypeMsgRecv MessageType = "message_received"
	TypeExit    MessageType = "exit"
)

// Envelope wraps every frame. ID correlates a reply with its request and is
// empty on pushed events.
type Envelope struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type LoginMessage struct {
	Username string `json:"username"`
}

type FindUserMessage struct {
	Username string `json:"username"`
}

type GetMessagesMessage struct {
	User1 string `json:"user1"`
	User2 string `json:"user2"`
}

type GetConnMessage struct {
	Users []string `json:"users"`
}

type SubscribeMessage struct {
	Topic string `json:"topic"`
}

// ChatMessage is both the outbound chat request and the payload pushed to the
// recipient on TypeMsgRecv.
type ChatMessage struct {
	RecvID    string    `json:"recv_id"`
	SendID    string    `json:"send_id"`
	Msg       string    `json:"msg"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryEntry is one row of a get_messages reply, direction relative to User1.
type HistoryEntry struct {
	Direction string    `json:"direction"`
	Content   string    `json:"content"`
	Time      time.Time `json:"time"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "user_not_found"
	ErrCodeInvalidMsg   = "invalid_message"
	ErrCodeInternal     = "internal_error"
)

var ErrInvalidPayload = errors.New("invalid payload")

func NewEnvelope(msgType MessageType, id string, data any) (*Envelope, error) {
	env := &Envelope{Type: msgType, ID: id}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}

func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return &env, nil
}

// DecodeChatMessage decodes a pushed chat record and rejects records missing
// a recipient, a sender or a creation time.
func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var raw struct {
		RecvID    *string `json:"recv_id"`
		SendID    *string `json:"send_id"`
		Msg       *string `json:"msg"`
		CreatedAt *string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	switch {
	case raw.RecvID == nil || strings.TrimSpace(*raw.RecvID) == "":
		return ChatMessage{}, fmt.Errorf("%w: missing recv_id", ErrInvalidPayload)
	case raw.SendID == nil || strings.TrimSpace(*raw.SendID) == "":
		return ChatMessage{}, fmt.Errorf("%w: missing send_id", ErrInvalidPayload)
	case raw.Msg == nil:
		return ChatMessage{}, fmt.Errorf("%w: missing msg", ErrInvalidPayload)
	case raw.CreatedAt == nil:
		return ChatMessage{}, fmt.Errorf("%w: missing created_at", ErrInvalidPayload)
	}

	ts, err := time.Parse(time.RFC3339Nano, *raw.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("%w: created_at: %w", ErrInvalidPayload, err)
	}

	return ChatMessage{RecvID: *raw.RecvID, SendID: *raw.SendID, Msg: *raw.Msg, CreatedAt: ts}, nil
}

// DecodePresence decodes a get_connection reply. Values may be JSON booleans
// or the strings "true"/"false".
func DecodePresence(data []byte) (map[string]bool, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case bool:
			out[k] = val
		case string:
			out[k] = strings.EqualFold(val, "true")
		}
	}
	return out, nil
}
