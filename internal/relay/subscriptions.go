package relay

import (
	"path"
	"sort"
	"strings"
	"sync"
)

// Subscriptions tracks which connections listen on which push topics.
type Subscriptions struct {
	mu           sync.RWMutex
	ClientTopics map[string]map[string]bool // client id -> set(topic)
	TopicClients map[string]map[string]bool // topic -> set(client id)
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		ClientTopics: map[string]map[string]bool{},
		TopicClients: map[string]map[string]bool{},
	}
}

// 规范化 topic：去首尾空格、合并多余斜杠、去前导斜杠
func normalizeTopic(topic string) string {
	t := strings.TrimSpace(topic)
	if t == "" {
		return ""
	}
	t = path.Clean("/" + t)
	t = strings.TrimPrefix(t, "/")
	return t
}

func (s *Subscriptions) Subscribe(clientID, topic string) bool {
	t := normalizeTopic(topic)
	if t == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ClientTopics[clientID]; !ok {
		s.ClientTopics[clientID] = map[string]bool{}
	}
	s.ClientTopics[clientID][t] = true

	if _, ok := s.TopicClients[t]; !ok {
		s.TopicClients[t] = map[string]bool{}
	}
	s.TopicClients[t][clientID] = true
	return true
}

func (s *Subscriptions) Unsubscribe(clientID, topic string) bool {
	t := normalizeTopic(topic)
	if t == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(clientID, t)
	return true
}

func (s *Subscriptions) removeLocked(clientID, t string) {
	if ct, ok := s.ClientTopics[clientID]; ok {
		delete(ct, t)
		if len(ct) == 0 {
			delete(s.ClientTopics, clientID)
		}
	}
	if tc, ok := s.TopicClients[t]; ok {
		delete(tc, clientID)
		if len(tc) == 0 {
			delete(s.TopicClients, t)
		}
	}
}

// DropClient removes every subscription held by clientID.
func (s *Subscriptions) DropClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.ClientTopics[clientID] {
		s.removeLocked(clientID, t)
	}
}

func (s *Subscriptions) IsSubscribed(clientID, topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TopicClients[normalizeTopic(topic)][clientID]
}

func (s *Subscriptions) Topics(clientID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ClientTopics[clientID]))
	for t := range s.ClientTopics[clientID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
