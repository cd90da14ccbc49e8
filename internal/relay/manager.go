// Package relay routes chat traffic between websocket clients: it answers
// directory, history and presence requests, persists messages and pushes
// them to the recipient's subscribed connections.
package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/store"
)

// Store is the persistence the relay needs.
type Store interface {
	EnsureUser(ctx context.Context, username string) error
	UserExists(ctx context.Context, username string) (bool, error)
	InsertMessage(ctx context.Context, sender, recipient, content string, createdAt time.Time) (*store.Message, error)
	History(ctx context.Context, self, other string) ([]store.HistoryEntry, error)
}

type Manager struct {
	mu sync.RWMutex

	Clients       map[string]*Client            // id -> client
	clientsByName map[string]map[string]*Client // name -> id -> client

	RegisterChan   chan *Client
	UnregisterChan chan *Client

	Subs *Subscriptions
	// Topic is the only topic chat messages are pushed on. Set it before Start.
	Topic string

	store  Store
	logger *slog.Logger
	now    func() time.Time
	done   chan struct{}
}

func NewManager(st Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Clients:        map[string]*Client{},
		clientsByName:  map[string]map[string]*Client{},
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		Subs:           NewSubscriptions(),
		Topic:          DefaultTopic,
		store:          st,
		logger:         logger.With("component", "relay"),
		now:            time.Now,
		done:           make(chan struct{}),
	}
}

type ClientJson struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// ListClients returns identified connections, optionally excluding one by id
// or name.
func (m *Manager) ListClients(exclude string) []ClientJson {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientJson, 0, len(m.Clients))
	for id, c := range m.Clients {
		if c.Name == "" {
			continue
		}
		if exclude != "" && (exclude == id || exclude == c.Name) {
			continue
		}
		out = append(out, ClientJson{Id: id, Name: c.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Online reports, for each name, whether it has at least one identified
// connection.
func (m *Manager) Online(names []string) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = len(m.clientsByName[n]) > 0
	}
	return out
}

// Register hands a new connection to the loop. It reports false once the
// manager has stopped.
func (m *Manager) Register(c *Client) bool {
	select {
	case m.RegisterChan <- c:
		return true
	case <-m.done:
		return false
	}
}

// Unregister removes c and ends its request worker, which closes Send once
// the queued requests are answered. It reports false when the manager has
// already stopped.
func (m *Manager) Unregister(c *Client) bool {
	select {
	case m.UnregisterChan <- c:
		return true
	case <-m.done:
		return false
	}
}

// Start runs the manager loop until ctx is cancelled. Client registration
// happens on this goroutine; requests run on one worker per client so a slow
// store call only delays its own connection.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case client := <-m.RegisterChan:
			m.mu.Lock()
			m.Clients[client.Id] = client
			m.mu.Unlock()
			go m.serve(ctx, client)
			m.logger.Debug("client connected", "client", client.Id)

		case client := <-m.UnregisterChan:
			m.mu.Lock()
			_, ok := m.Clients[client.Id]
			name := client.Name
			if ok {
				delete(m.Clients, client.Id)
				m.unbindLocked(client)
			}
			m.mu.Unlock()
			if ok {
				close(client.inbox)
				m.logger.Info("client disconnected", "client", client.Id, "user", name)
			}

		case <-ctx.Done():
			return
		}
	}
}

// serve handles c's requests in arrival order until c is unregistered or the
// manager stops. Subscriptions are dropped after the last request so none
// outlives the connection.
func (m *Manager) serve(ctx context.Context, c *Client) {
	defer func() {
		m.Subs.DropClient(c.Id)
		c.CloseSend()
	}()
	for {
		select {
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			m.handle(ctx, c, env)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) bindLocked(c *Client, name string) {
	m.unbindLocked(c)
	c.Name = name
	if m.clientsByName[name] == nil {
		m.clientsByName[name] = map[string]*Client{}
	}
	m.clientsByName[name][c.Id] = c
}

func (m *Manager) unbindLocked(c *Client) {
	if c.Name == "" {
		return
	}
	if conns, ok := m.clientsByName[c.Name]; ok {
		delete(conns, c.Id)
		if len(conns) == 0 {
			delete(m.clientsByName, c.Name)
		}
	}
}

// connectionsOf snapshots the connections identified as name.
func (m *Manager) connectionsOf(name string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clientsByName[name]))
	for _, c := range m.clientsByName[name] {
		out = append(out, c)
	}
	return out
}
