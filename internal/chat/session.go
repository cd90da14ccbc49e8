// Package chat keeps a signed-in user's one-on-one threads in sync: history
// loaded on demand, messages pushed live by the relay, and contact presence
// refreshed by polling.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTopic = "chat:received"

type Config struct {
	PollInterval    time.Duration
	PresenceTimeout time.Duration
	HistoryTimeout  time.Duration
	Topic           string
	FeedBuffer      int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		PresenceTimeout: 5 * time.Second,
		HistoryTimeout:  10 * time.Second,
		Topic:           DefaultTopic,
		FeedBuffer:      16,
	}
}

// Session is the surface the view layer consumes. It is Anonymous until Start
// and returns to Anonymous on Stop.
type Session struct {
	cfg    Config
	deps   Collaborators
	logger *slog.Logger
	feed   *feed

	mu     sync.RWMutex
	active *activeSession
	// presence as of the last teardown, served while Anonymous
	lastPresence PresenceSnapshot
}

type activeSession struct {
	id       string
	user     string
	cancel   context.CancelFunc
	registry *ThreadRegistry
	poller   *PresencePoller
	bridge   *LiveMessageBridge
}

func NewSession(cfg Config, deps Collaborators, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "session"),
		feed:   newFeed(cfg.FeedBuffer),
	}
}

// Start signs user in. Starting again for the same user is a no-op; starting
// for a different user tears the current session down first.
func (s *Session) Start(ctx context.Context, user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return ErrInvalidUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if s.active.user == user {
			return nil
		}
		s.stopLocked()
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &activeSession{
		id:     uuid.Must(uuid.NewV7()).String(),
		user:   user,
		cancel: cancel,
	}
	logger := s.logger.With("session", a.id, "user", user)

	a.registry = NewThreadRegistry(sctx, user, s.deps.History, s.cfg.HistoryTimeout, s.feed.publish, logger)
	a.poller = NewPresencePoller(s.deps.Presence, a.registry.Counterparts, s.cfg.PollInterval, s.cfg.PresenceTimeout,
		func(PresenceSnapshot) { s.feed.publish(Update{Kind: UpdatePresence}) }, logger)
	a.bridge = NewLiveMessageBridge(s.deps.Push, s.cfg.Topic, logger)

	if err := a.bridge.Subscribe(ctx, user, a.registry); err != nil {
		a.registry.Close()
		cancel()
		return err
	}
	a.poller.Start(sctx)

	s.active = a
	s.lastPresence = nil
	logger.Info("session started")
	return nil
}

// Stop stops presence polling, releases the push subscription and discards
// every thread, in that order. It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	a := s.active
	if a == nil {
		return
	}
	a.poller.Stop()
	a.bridge.Unsubscribe()
	a.registry.Close()
	a.cancel()
	s.lastPresence = a.poller.Snapshot()
	s.active = nil

	s.logger.Info("session stopped", "session", a.id, "user", a.user)
	s.feed.publish(Update{Kind: UpdateSelection})
}

func (s *Session) current() *activeSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// User returns the signed-in username, or "" when Anonymous.
func (s *Session) User() string {
	if a := s.current(); a != nil {
		return a.user
	}
	return ""
}

func (s *Session) Active() bool { return s.current() != nil }

// OpenOrSelectThread activates the thread for username. An unknown thread is
// first resolved through the directory; a miss returns ErrNotFound and
// changes nothing. The history of a new thread loads in the background.
func (s *Session) OpenOrSelectThread(ctx context.Context, username string) (Thread, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Thread{}, ErrInvalidUsername
	}
	a := s.current()
	if a == nil {
		return Thread{}, ErrInactive
	}

	if !a.registry.Has(username) {
		ok, err := s.deps.Directory.ResolveUser(ctx, username)
		if err != nil {
			return Thread{}, fmt.Errorf("%w: resolve %s: %w", ErrFetchFailed, username, err)
		}
		if !ok {
			return Thread{}, fmt.Errorf("%w: %s", ErrNotFound, username)
		}
		if s.current() != a {
			return Thread{}, ErrInactive
		}
	}

	t, _ := a.registry.Select(username)
	return t, nil
}

func (s *Session) ClearSelection() {
	if a := s.current(); a != nil {
		a.registry.ClearSelection()
	}
}

func (s *Session) CurrentSelection() Selection {
	if a := s.current(); a != nil {
		return a.registry.Selection()
	}
	return Selection{}
}

// SendMessage sends content to the selected thread.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	a := s.current()
	if a == nil {
		return ErrInactive
	}
	sel := a.registry.Selection()
	if !sel.Selected() {
		return ErrNoSelection
	}
	return s.send(ctx, a, sel.Counterpart, content)
}

// SendMessageTo sends content to counterpart, which must be the selected
// thread. The message is appended only after the relay acknowledges it.
func (s *Session) SendMessageTo(ctx context.Context, counterpart, content string) error {
	a := s.current()
	if a == nil {
		return ErrInactive
	}
	if a.registry.Selection().Counterpart != counterpart {
		return ErrNotSelected
	}
	return s.send(ctx, a, counterpart, content)
}

func (s *Session) send(ctx context.Context, a *activeSession, counterpart, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if err := s.deps.Sender.SendMessage(ctx, a.user, counterpart, content); err != nil {
		return fmt.Errorf("%w: to %s: %w", ErrDeliveryFailed, counterpart, err)
	}
	return a.registry.AppendSent(counterpart, content, time.Now())
}

// CurrentThreads lists the open threads in the order they were opened.
func (s *Session) CurrentThreads() []ThreadPreview {
	a := s.current()
	if a == nil {
		return []ThreadPreview{}
	}
	return a.registry.Previews(a.poller.Snapshot())
}

func (s *Session) History(counterpart string) ([]Message, bool) {
	a := s.current()
	if a == nil {
		return nil, false
	}
	t, ok := a.registry.Thread(counterpart)
	return t.History, ok
}

// SelectedHistory returns the history of the selected thread, or nil.
func (s *Session) SelectedHistory() []Message {
	a := s.current()
	if a == nil {
		return nil
	}
	sel := a.registry.Selection()
	if !sel.Selected() {
		return nil
	}
	t, _ := a.registry.Thread(sel.Counterpart)
	return t.History
}

// Presence returns the latest snapshot. While Anonymous it returns the
// snapshot frozen at the last Stop.
func (s *Session) Presence() PresenceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return s.lastPresence.Clone()
	}
	return s.active.poller.Snapshot()
}

// Watch subscribes to state-change signals. The returned func releases the
// subscription and closes the channel. Watchers survive user changes.
func (s *Session) Watch() (<-chan Update, func()) {
	return s.feed.watch()
}
