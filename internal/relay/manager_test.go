package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-chat/internal/protocol"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]bool
	msgs  []store.Message
	// lookups of a name in stall wait until its channel is closed
	stall map[string]chan struct{}
}

func newMemStore() *memStore {
	return &memStore{users: map[string]bool{}, stall: map[string]chan struct{}{}}
}

func (s *memStore) EnsureUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = true
	return nil
}

func (s *memStore) UserExists(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	gate := s.stall[username]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[username], nil
}

func (s *memStore) InsertMessage(ctx context.Context, sender, recipient, content string, createdAt time.Time) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.users[sender] || !s.users[recipient] {
		return nil, store.ErrUserNotFound
	}
	m := store.Message{ID: fmt.Sprint(len(s.msgs) + 1), Sender: sender, Recipient: recipient, Content: content, CreatedAt: createdAt}
	s.msgs = append(s.msgs, m)
	return &m, nil
}

func (s *memStore) History(ctx context.Context, self, other string) ([]store.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []store.HistoryEntry{}
	for _, m := range s.msgs {
		switch {
		case m.Sender == self && m.Recipient == other:
			out = append(out, store.HistoryEntry{ID: m.ID, Direction: store.DirectionSent, Content: m.Content, CreatedAt: m.CreatedAt})
		case m.Sender == other && m.Recipient == self:
			out = append(out, store.HistoryEntry{ID: m.ID, Direction: store.DirectionReceived, Content: m.Content, CreatedAt: m.CreatedAt})
		}
	}
	return out, nil
}

// fakeConn is an in-memory ConnLike.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newMemStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return testNow }
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	t.Cleanup(cancel)
	return m
}

type peer struct {
	t      *testing.T
	conn   *fakeConn
	client *Client
	seq    int
}

func connect(t *testing.T, m *Manager) *peer {
	t.Helper()
	conn := newFakeConn()
	c := NewClient(uuid.NewString(), conn)
	if !m.Register(c) {
		t.Fatal("Register() = false")
	}
	go c.WritePump()
	go func() {
		c.ReadPump(m)
		m.Unregister(c)
	}()
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, client: c}
}

func (p *peer) send(typ protocol.MessageType, data any) string {
	p.t.Helper()
	p.seq++
	id := fmt.Sprintf("req-%d", p.seq)
	env, err := protocol.NewEnvelope(typ, id, data)
	if err != nil {
		p.t.Fatalf("NewEnvelope() error = %v", err)
	}
	raw, _ := json.Marshal(env)
	p.conn.in <- raw
	return id
}

func (p *peer) next() *protocol.Envelope {
	p.t.Helper()
	select {
	case raw := <-p.conn.out:
		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			p.t.Fatalf("ParseEnvelope() error = %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		p.t.Fatal("no frame received")
		return nil
	}
}

// call sends a request and returns its reply.
func (p *peer) call(typ protocol.MessageType, data any) *protocol.Envelope {
	p.t.Helper()
	id := p.send(typ, data)
	env := p.next()
	if env.ID != id {
		p.t.Fatalf("reply id = %q, want %q (type %s)", env.ID, id, env.Type)
	}
	return env
}

func (p *peer) mustOK(typ protocol.MessageType, data any) *protocol.Envelope {
	p.t.Helper()
	env := p.call(typ, data)
	if env.Type != protocol.TypeOK {
		p.t.Fatalf("%s reply = %s %s", typ, env.Type, env.Data)
	}
	return env
}

func (p *peer) login(name string) {
	p.t.Helper()
	p.mustOK(protocol.TypeLogin, protocol.LoginMessage{Username: name})
}

func errorCode(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	if env.Type != protocol.TypeError {
		t.Fatalf("reply type = %s, want error", env.Type)
	}
	var e protocol.ErrorMessage
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return e.Code
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginRequired(t *testing.T) {
	m := newTestManager(t)
	p := connect(t, m)

	env := p.call(protocol.TypeFindUser, protocol.FindUserMessage{Username: "bob"})
	if code := errorCode(t, env); code != protocol.ErrCodeUnauthorized {
		t.Errorf("code = %s, want unauthorized", code)
	}
	if code := errorCode(t, p.call(protocol.TypeLogin, protocol.LoginMessage{Username: "  "})); code != protocol.ErrCodeInvalidMsg {
		t.Errorf("blank login code = %s, want invalid_message", code)
	}
}

func TestChatDeliversToSubscribedRecipient(t *testing.T) {
	m := newTestManager(t)
	alice, bob := connect(t, m), connect(t, m)
	alice.login("alice")
	bob.login("bob")
	bob.mustOK(protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: DefaultTopic})

	ack := alice.mustOK(protocol.TypeChat, protocol.ChatMessage{RecvID: "bob", SendID: "alice", Msg: "hi"})
	stored, err := protocol.DecodeChatMessage(ack.Data)
	if err != nil {
		t.Fatalf("ack DecodeChatMessage() error = %v", err)
	}
	if !stored.CreatedAt.Equal(testNow) {
		t.Errorf("ack created_at = %v, want relay clock", stored.CreatedAt)
	}

	push := bob.next()
	if push.Type != protocol.TypeMsgRecv || push.Topic != DefaultTopic || push.ID != "" {
		t.Fatalf("push = %+v", push)
	}
	got, err := protocol.DecodeChatMessage(push.Data)
	if err != nil {
		t.Fatalf("push DecodeChatMessage() error = %v", err)
	}
	if got.RecvID != "bob" || got.SendID != "alice" || got.Msg != "hi" {
		t.Errorf("push payload = %+v", got)
	}

	hist := bob.mustOK(protocol.TypeGetMessages, protocol.GetMessagesMessage{User1: "bob", User2: "alice"})
	var rows []protocol.HistoryEntry
	json.Unmarshal(hist.Data, &rows)
	if len(rows) != 1 || rows[0].Direction != "received" || rows[0].Content != "hi" {
		t.Errorf("history = %+v", rows)
	}
}

func TestChatNotPushedWithoutSubscription(t *testing.T) {
	m := newTestManager(t)
	alice, bob := connect(t, m), connect(t, m)
	alice.login("alice")
	bob.login("bob")

	alice.mustOK(protocol.TypeChat, protocol.ChatMessage{RecvID: "bob", Msg: "quiet"})
	// the next frame bob sees must be the reply, not a push
	bob.mustOK(protocol.TypeFindUser, protocol.FindUserMessage{Username: "alice"})

	bob.mustOK(protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: DefaultTopic})
	bob.mustOK(protocol.TypeUnsubscribe, protocol.SubscribeMessage{Topic: DefaultTopic})
	alice.mustOK(protocol.TypeChat, protocol.ChatMessage{RecvID: "bob", Msg: "still quiet"})
	bob.mustOK(protocol.TypeFindUser, protocol.FindUserMessage{Username: "alice"})
}

func TestChatRejections(t *testing.T) {
	m := newTestManager(t)
	alice := connect(t, m)
	alice.login("alice")

	if code := errorCode(t, alice.call(protocol.TypeChat, protocol.ChatMessage{RecvID: "ghost", Msg: "x"})); code != protocol.ErrCodeNotFound {
		t.Errorf("unknown recipient code = %s", code)
	}
	if code := errorCode(t, alice.call(protocol.TypeChat, protocol.ChatMessage{RecvID: "alice", SendID: "mallory", Msg: "x"})); code != protocol.ErrCodeUnauthorized {
		t.Errorf("spoofed sender code = %s", code)
	}
	if code := errorCode(t, alice.call(protocol.TypeGetMessages, protocol.GetMessagesMessage{User1: "bob", User2: "carol"})); code != protocol.ErrCodeUnauthorized {
		t.Errorf("foreign history code = %s", code)
	}
	if code := errorCode(t, alice.call("shout", nil)); code != protocol.ErrCodeInvalidMsg {
		t.Errorf("unknown type code = %s", code)
	}
}

func TestFindUserAndPresence(t *testing.T) {
	m := newTestManager(t)
	alice, bob := connect(t, m), connect(t, m)
	alice.login("alice")
	bob.login("bob")

	if code := errorCode(t, alice.call(protocol.TypeFindUser, protocol.FindUserMessage{Username: "ghost"})); code != protocol.ErrCodeNotFound {
		t.Errorf("find ghost code = %s", code)
	}

	env := alice.mustOK(protocol.TypeGetConn, protocol.GetConnMessage{Users: []string{"bob", "ghost"}})
	online, err := protocol.DecodePresence(env.Data)
	if err != nil {
		t.Fatalf("DecodePresence() error = %v", err)
	}
	if !online["bob"] || online["ghost"] {
		t.Errorf("presence = %v", online)
	}

	bob.conn.Close()
	eventually(t, func() bool { return !m.Online([]string{"bob"})["bob"] })

	// bob still exists in the directory while offline
	alice.mustOK(protocol.TypeFindUser, protocol.FindUserMessage{Username: "bob"})
}

func TestBadFrameKeepsConnection(t *testing.T) {
	m := newTestManager(t)
	p := connect(t, m)
	p.conn.in <- []byte("garbage")

	if code := errorCode(t, p.next()); code != protocol.ErrCodeInvalidMsg {
		t.Errorf("code = %s, want invalid_message", code)
	}
	p.login("alice")
}

func TestUnregisterDropsState(t *testing.T) {
	m := newTestManager(t)
	bob := connect(t, m)
	bob.login("bob")
	bob.mustOK(protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: DefaultTopic})

	bob.conn.Close()
	eventually(t, func() bool {
		m.mu.RLock()
		_, ok := m.Clients[bob.client.Id]
		m.mu.RUnlock()
		return !ok && len(m.Subs.Topics(bob.client.Id)) == 0
	})
	if list := m.ListClients(""); len(list) != 0 {
		t.Errorf("ListClients() = %+v", list)
	}
}

func TestRelogDropsSubscriptions(t *testing.T) {
	m := newTestManager(t)
	p := connect(t, m)
	p.login("alice")
	p.mustOK(protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: DefaultTopic})
	p.login("carol")

	if m.Subs.IsSubscribed(p.client.Id, DefaultTopic) {
		t.Error("subscription survived a user change")
	}
	online := m.Online([]string{"alice", "carol"})
	if online["alice"] || !online["carol"] {
		t.Errorf("Online() = %v", online)
	}
}

func TestListClients(t *testing.T) {
	m := newTestManager(t)
	a, b := connect(t, m), connect(t, m)
	connect(t, m) // never logs in
	b.login("bob")
	a.login("alice")

	got := m.ListClients("")
	if len(got) != 2 || got[0].Name != "alice" || got[1].Name != "bob" {
		t.Errorf("ListClients() = %+v", got)
	}
	if got := m.ListClients("bob"); len(got) != 1 || got[0].Name != "alice" {
		t.Errorf("ListClients(bob) = %+v", got)
	}
	if got := m.ListClients(a.client.Id); len(got) != 1 || got[0].Name != "bob" {
		t.Errorf("ListClients(id) = %+v", got)
	}
}

func TestManagerStopped(t *testing.T) {
	m := NewManager(newMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()
	<-done

	c := NewClient("x", newFakeConn())
	if m.Register(c) || m.Unregister(c) {
		t.Error("Register()/Unregister() succeeded on a stopped manager")
	}
}

func TestSubscriptionsNormalize(t *testing.T) {
	s := NewSubscriptions()
	if s.Subscribe("c1", "   ") {
		t.Error("Subscribe(blank) = true")
	}
	s.Subscribe("c1", " /chat:received ")
	s.Subscribe("c1", "rooms//lobby/")
	s.Subscribe("c2", "chat:received")

	if got := s.Topics("c1"); !slices.Equal(got, []string{"chat:received", "rooms/lobby"}) {
		t.Errorf("Topics(c1) = %v", got)
	}
	if !s.IsSubscribed("c2", "/chat:received") {
		t.Error("IsSubscribed(c2) = false")
	}

	s.DropClient("c1")
	if len(s.Topics("c1")) != 0 || !s.IsSubscribed("c2", DefaultTopic) {
		t.Error("DropClient() touched the wrong client")
	}
	s.Unsubscribe("c2", DefaultTopic)
	if len(s.TopicClients) != 0 || len(s.ClientTopics) != 0 {
		t.Errorf("maps not cleaned: %v %v", s.TopicClients, s.ClientTopics)
	}
}


func TestCustomTopic(t *testing.T) {
	m := NewManager(newMemStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.Topic = "chat:custom"
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	t.Cleanup(cancel)

	alice, bob := connect(t, m), connect(t, m)
	alice.login("alice")
	bob.login("bob")

	if code := errorCode(t, bob.call(protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: DefaultTopic})); code != protocol.ErrCodeInvalidMsg {
		t.Errorf("subscribe to %s code = %s, want invalid_message", DefaultTopic, code)
	}
	bob.mustOK(protocol.TypeSubscribe, protocol.SubscribeMessage{Topic: "chat:custom"})

	alice.mustOK(protocol.TypeChat, protocol.ChatMessage{RecvID: "bob", Msg: "hi"})
	push := bob.next()
	if push.Type != protocol.TypeMsgRecv || push.Topic != "chat:custom" {
		t.Errorf("push = %+v, want message_received on chat:custom", push)
	}
}

func TestSlowRequestDoesNotStallOthers(t *testing.T) {
	st := newMemStore()
	gate := make(chan struct{})
	st.stall["slowpoke"] = gate

	m := NewManager(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	t.Cleanup(cancel)

	alice, bob := connect(t, m), connect(t, m)
	alice.login("alice")
	bob.login("bob")

	slowID := alice.send(protocol.TypeFindUser, protocol.FindUserMessage{Username: "slowpoke"})

	// bob is answered while alice's lookup is still blocked
	env := bob.mustOK(protocol.TypeGetConn, protocol.GetConnMessage{Users: []string{"alice"}})
	online, _ := protocol.DecodePresence(env.Data)
	if !online["alice"] {
		t.Errorf("presence = %v, want alice online", online)
	}
	select {
	case raw := <-alice.conn.out:
		t.Fatalf("alice answered before the store returned: %s", raw)
	default:
	}

	close(gate)
	reply := alice.next()
	if reply.ID != slowID || errorCode(t, reply) != protocol.ErrCodeNotFound {
		t.Errorf("slow reply = %+v", reply)
	}
	// requests from one connection still run in order
	alice.mustOK(protocol.TypeFindUser, protocol.FindUserMessage{Username: "bob"})
}
