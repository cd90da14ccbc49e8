package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/pelusa-v/pelusa-chat/internal/protocol"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// DefaultTopic is the default push topic for incoming chat messages.
const DefaultTopic = "chat:received"

func errorEnvelope(id, code, msg string) *protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.TypeError, id, protocol.ErrorMessage{Code: code, Message: msg})
	return env
}

func (m *Manager) reply(c *Client, id string, data any) {
	env, err := protocol.NewEnvelope(protocol.TypeOK, id, data)
	if err != nil {
		m.fail(c, id, protocol.ErrCodeInternal, err.Error())
		return
	}
	c.push(env)
}

func (m *Manager) fail(c *Client, id, code, msg string) {
	c.push(errorEnvelope(id, code, msg))
}

func (m *Manager) handle(ctx context.Context, c *Client, env *protocol.Envelope) {
	// 连接已注销，丢弃残留请求
	m.mu.RLock()
	registered := m.Clients[c.Id] == c
	m.mu.RUnlock()
	if !registered {
		return
	}

	if env.Type != protocol.TypeLogin && c.Name == "" {
		m.fail(c, env.ID, protocol.ErrCodeUnauthorized, "login required")
		return
	}

	switch env.Type {
	case protocol.TypeLogin:
		m.login(ctx, c, env)
	case protocol.TypeFindUser:
		m.findUser(ctx, c, env)
	case protocol.TypeGetMessages:
		m.getMessages(ctx, c, env)
	case protocol.TypeGetConn:
		m.getConnection(c, env)
	case protocol.TypeChat:
		m.chat(ctx, c, env)
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		m.subscription(c, env)
	default:
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "unknown message type "+string(env.Type))
	}
}

func decode[T any](env *protocol.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, protocol.ErrInvalidPayload
	}
	err := json.Unmarshal(env.Data, &v)
	return v, err
}

func (m *Manager) login(ctx context.Context, c *Client, env *protocol.Envelope) {
	msg, err := decode[protocol.LoginMessage](env)
	name := strings.TrimSpace(msg.Username)
	if err != nil || name == "" {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "username required")
		return
	}
	if err := m.store.EnsureUser(ctx, name); err != nil {
		m.logger.Error("ensure user", "user", name, "err", err)
		m.fail(c, env.ID, protocol.ErrCodeInternal, "could not register user")
		return
	}

	m.mu.Lock()
	prev := c.Name
	m.bindLocked(c, name)
	m.mu.Unlock()

	// 换号时清掉旧身份的订阅
	if prev != "" && prev != name {
		m.Subs.DropClient(c.Id)
	}
	m.logger.Info("client identified", "client", c.Id, "user", name)
	m.reply(c, env.ID, nil)
}

func (m *Manager) findUser(ctx context.Context, c *Client, env *protocol.Envelope) {
	msg, err := decode[protocol.FindUserMessage](env)
	if err != nil || strings.TrimSpace(msg.Username) == "" {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "username required")
		return
	}
	ok, err := m.store.UserExists(ctx, msg.Username)
	if err != nil {
		m.logger.Error("find user", "user", msg.Username, "err", err)
		m.fail(c, env.ID, protocol.ErrCodeInternal, "lookup failed")
		return
	}
	if !ok {
		m.fail(c, env.ID, protocol.ErrCodeNotFound, msg.Username)
		return
	}
	m.reply(c, env.ID, nil)
}

func (m *Manager) getMessages(ctx context.Context, c *Client, env *protocol.Envelope) {
	msg, err := decode[protocol.GetMessagesMessage](env)
	if err != nil || msg.User2 == "" {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "user1 and user2 required")
		return
	}
	if msg.User1 != c.Name {
		m.fail(c, env.ID, protocol.ErrCodeUnauthorized, "history of another user")
		return
	}
	rows, err := m.store.History(ctx, msg.User1, msg.User2)
	if err != nil {
		m.logger.Error("history", "user1", msg.User1, "user2", msg.User2, "err", err)
		m.fail(c, env.ID, protocol.ErrCodeInternal, "history failed")
		return
	}
	out := make([]protocol.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, protocol.HistoryEntry{Direction: string(r.Direction), Content: r.Content, Time: r.CreatedAt})
	}
	m.reply(c, env.ID, out)
}

func (m *Manager) getConnection(c *Client, env *protocol.Envelope) {
	msg, err := decode[protocol.GetConnMessage](env)
	if err != nil {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "users required")
		return
	}
	m.reply(c, env.ID, m.Online(msg.Users))
}

// chat 私聊：落库、回 ack、推送给收件人已订阅的连接
func (m *Manager) chat(ctx context.Context, c *Client, env *protocol.Envelope) {
	msg, err := decode[protocol.ChatMessage](env)
	if err != nil || msg.RecvID == "" {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "recv_id required")
		return
	}
	if msg.SendID != "" && msg.SendID != c.Name {
		m.fail(c, env.ID, protocol.ErrCodeUnauthorized, "send_id does not match login")
		return
	}

	stored, err := m.store.InsertMessage(ctx, c.Name, msg.RecvID, msg.Msg, m.now())
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			m.fail(c, env.ID, protocol.ErrCodeNotFound, msg.RecvID)
			return
		}
		m.logger.Error("insert message", "from", c.Name, "to", msg.RecvID, "err", err)
		m.fail(c, env.ID, protocol.ErrCodeInternal, "could not store message")
		return
	}

	out := protocol.ChatMessage{RecvID: stored.Recipient, SendID: stored.Sender, Msg: stored.Content, CreatedAt: stored.CreatedAt}
	m.reply(c, env.ID, out)
	m.deliver(out)
}

func (m *Manager) deliver(msg protocol.ChatMessage) {
	push, err := protocol.NewEnvelope(protocol.TypeMsgRecv, "", msg)
	if err != nil {
		return
	}
	push.Topic = m.Topic
	for _, rc := range m.connectionsOf(msg.RecvID) {
		if m.Subs.IsSubscribed(rc.Id, m.Topic) {
			rc.push(push)
		}
	}
}

func (m *Manager) subscription(c *Client, env *protocol.Envelope) {
	msg, err := decode[protocol.SubscribeMessage](env)
	if err != nil {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "topic required")
		return
	}
	var ok bool
	if env.Type == protocol.TypeSubscribe {
		// 只有聊天推送这一个 topic
		if normalizeTopic(msg.Topic) != normalizeTopic(m.Topic) {
			m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "unknown topic "+msg.Topic)
			return
		}
		ok = m.Subs.Subscribe(c.Id, msg.Topic)
	} else {
		ok = m.Subs.Unsubscribe(c.Id, msg.Topic)
	}
	if !ok {
		m.fail(c, env.ID, protocol.ErrCodeInvalidMsg, "invalid topic")
		return
	}
	m.reply(c, env.ID, nil)
}
