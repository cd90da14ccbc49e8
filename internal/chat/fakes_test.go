package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	from, to, content string
}

// fakeBackend stands in for the relay behind every collaborator.
type fakeBackend struct {
	mu sync.Mutex

	users      map[string]bool
	resolveErr error

	history      map[string][]Message
	historyErr   error
	historyGate  chan struct{}
	historyCalls int

	sent    []sentMessage
	sendErr error

	presence      map[string]bool
	presenceErr   error
	presenceGate  chan struct{}
	presenceCalls int
	presenceAsked [][]string

	handlers       map[int]func([]byte)
	nextSub        int
	subscribeErr   error
	subscribeCalls int
	releaseCalls   int
}

func newFakeBackend(users ...string) *fakeBackend {
	f := &fakeBackend{
		users:    map[string]bool{},
		history:  map[string][]Message{},
		presence: map[string]bool{},
		handlers: map[int]func([]byte){},
	}
	for _, u := range users {
		f.users[u] = true
	}
	return f
}

func (f *fakeBackend) collaborators() Collaborators {
	return Collaborators{Directory: f, History: f, Sender: f, Presence: f, Push: f}
}

func (f *fakeBackend) ResolveUser(ctx context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return false, f.resolveErr
	}
	return f.users[username], nil
}

func (f *fakeBackend) FetchHistory(ctx context.Context, self, counterpart string) ([]Message, error) {
	f.mu.Lock()
	f.historyCalls++
	gate := f.historyGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[counterpart]...), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, from, to, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{from, to, content})
	return nil
}

func (f *fakeBackend) FetchPresence(ctx context.Context, usernames []string) (PresenceSnapshot, error) {
	f.mu.Lock()
	f.presenceCalls++
	f.presenceAsked = append(f.presenceAsked, append([]string(nil), usernames...))
	gate := f.presenceGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presenceErr != nil {
		return nil, f.presenceErr
	}
	out := PresenceSnapshot{}
	for k, v := range f.presence {
		out[k] = v
	}
	return out, nil
}

type fakeSubscription struct {
	f    *fakeBackend
	id   int
	once sync.Once
}

func (s *fakeSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		delete(s.f.handlers, s.id)
		s.f.releaseCalls++
		s.f.mu.Unlock()
	})
	return nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, topic string, handler func([]byte)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.nextSub++
	f.handlers[f.nextSub] = handler
	return &fakeSubscription{f: f, id: f.nextSub}, nil
}

// push delivers payload to every live handler, like the relay connection's
// read goroutine does.
func (f *fakeBackend) push(payload []byte) {
	f.mu.Lock()
	hs := make([]func([]byte), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

func (f *fakeBackend) liveHandlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func chatPayload(t *testing.T, recv, send, msg string, at time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(protocol.ChatMessage{RecvID: recv, SendID: send, Msg: msg, CreatedAt: at})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return b
}

func waitLoad(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("history load did not finish")
		return nil
	}
}
