// Package remote talks to the relay over a single websocket and implements
// the collaborators the chat core consumes.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/protocol"
)

var (
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("request timed out")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 1 << 20
)

// Client multiplexes request/response calls and pushed events over one
// relay connection.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan *protocol.Envelope // request id -> reply
	handlers map[string]map[string]func([]byte) // topic -> subscription id -> handler
	user     string

	closeOnce sync.Once
}

var (
	_ chat.Directory      = (*Client)(nil)
	_ chat.HistoryStore   = (*Client)(nil)
	_ chat.Sender         = (*Client)(nil)
	_ chat.PresenceSource = (*Client)(nil)
	_ chat.PushChannel    = (*Client)(nil)
)

// Dial connects to the relay websocket at url, e.g. ws://127.0.0.1:3000/api/ws.
func Dial(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		timeout:  timeout,
		logger:   logger.With("component", "remote"),
		pending:  map[string]chan *protocol.Envelope{},
		handlers: map[string]map[string]func([]byte){},
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Login binds the connection to username on the relay.
func (c *Client) Login(ctx context.Context, username string) error {
	if _, err := c.request(ctx, protocol.TypeLogin, protocol.LoginMessage{Username: username}); err != nil {
		return fmt.Errorf("login %s: %w", username, err)
	}
	c.mu.Lock()
	c.user = username
	c.mu.Unlock()
	return nil
}

// User returns the username of the last successful Login.
func (c *Client) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Client) ResolveUser(ctx context.Context, username string) (bool, error) {
	_, err := c.request(ctx, protocol.TypeFindUser, protocol.FindUserMessage{Username: username})
	if err != nil {
		var perr *protocol.ErrorMessage
		if errors.As(err, &perr) && perr.Code == protocol.ErrCodeNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) FetchHistory(ctx context.Context, self, counterpart string) ([]chat.Message, error) {
	env, err := c.request(ctx, protocol.TypeGetMessages, protocol.GetMessagesMessage{User1: self, User2: counterpart})
	if err != nil {
		return nil, err
	}
	var rows []protocol.HistoryEntry
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: history: %w", protocol.ErrInvalidPayload, err)
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.Message{Direction: chat.Direction(r.Direction), Content: r.Content, Timestamp: r.Time})
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, from, to, content string) error {
	_, err := c.request(ctx, protocol.TypeChat, protocol.ChatMessage{SendID: from, RecvID: to, Msg: content, CreatedAt: time.Now()})
	return err
}

func (c *Client) FetchPresence(ctx context.Context, usernames []string) (chat.PresenceSnapshot, error) {
	env, err := c.request(ctx, protocol.TypeGetConn, protocol.GetConnMessage{Users: usernames})
	if err != nil {
		return nil, err
	}
	m, err := protocol.DecodePresence(env.Data)
	if err != nil {
		return nil, err
	}
	return chat.PresenceSnapshot(m), nil
}

type subscription struct {
	c     *Client
	topic string
	id    string
	once  sync.Once
}

// Subscribe registers handler for topic locally and asks the relay to start
// pushing it. Handlers run on the read goroutine.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func([]byte)) (chat.Subscription, error) {
	sub := &subscription{c: c, topic: topic, id: uuid.NewString()}

	c.mu.Lock()
	if c.handlers[topic] == nil {
		c.handlers[topic] = map[string]func([]byte){}
	}
	c.handlers[topic][sub.id] = handler
	c.mu.Unlock()

	if _, err := c.request(ctx, protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: topic}); err != nil {
		c.removeHandler(topic, sub.id)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// Unsubscribe drops the handler at once. The relay is told to stop pushing
// once no local handler is left; that notice is not awaited.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.c.removeHandler(s.topic, s.id) > 0 {
			return
		}
		err = s.c.notify(protocol.TypeUnsubscribe, protocol.SubscribeMessage{Topic: s.topic})
	})
	return err
}

func (c *Client) removeHandler(topic, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[topic], id)
	n := len(c.handlers[topic])
	if n == 0 {
		delete(c.handlers, topic)
	}
	return n
}

func (c *Client) request(ctx context.Context, typ protocol.MessageType, data any) (*protocol.Envelope, error) {
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(typ, id, data)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	reply := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case c.send <- raw:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}

	select {
	case resp := <-reply:
		if resp.Type == protocol.TypeError {
			var perr protocol.ErrorMessage
			if err := json.Unmarshal(resp.Data, &perr); err != nil {
				return nil, fmt.Errorf("%w: error reply: %w", protocol.ErrInvalidPayload, err)
			}
			return nil, &perr
		}
		return resp, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// notify sends a frame without waiting for its reply.
func (c *Client) notify(typ protocol.MessageType, data any) error {
	env, err := protocol.NewEnvelope(typ, "", data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.logger.Warn("failed to parse frame", "err", err)
		return
	}

	if env.ID != "" {
		c.mu.Lock()
		reply, ok := c.pending[env.ID]
		c.mu.Unlock()
		if ok {
			// a duplicate reply must not stall the read loop
			select {
			case reply <- env:
			default:
			}
		}
		return
	}

	switch env.Type {
	case protocol.TypeMsgRecv:
		c.mu.Lock()
		hs := make([]func([]byte), 0, len(c.handlers[env.Topic]))
		for _, h := range c.handlers[env.Topic] {
			hs = append(hs, h)
		}
		c.mu.Unlock()
		for _, h := range hs {
			h(env.Data)
		}
	case protocol.TypeExit:
		c.logger.Info("relay requested exit")
		c.Close()
	case protocol.TypeError:
		c.logger.Warn("relay error", "data", string(env.Data))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
