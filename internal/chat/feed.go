package chat

import (
	"sync"

	"github.com/google/uuid"
)

type UpdateKind string

const (
	UpdateThreadOpened  UpdateKind = "thread_opened"
	UpdateHistoryLoaded UpdateKind = "history_loaded"
	UpdateMessage       UpdateKind = "message"
	UpdateSelection     UpdateKind = "selection"
	UpdatePresence      UpdateKind = "presence"
	UpdateError         UpdateKind = "error"
)

// Update is a lightweight signal telling the view layer to re-read state.
// It never carries message bodies.
type Update struct {
	Kind        UpdateKind `json:"kind"`
	Counterpart string     `json:"counterpart,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type feed struct {
	mu     sync.RWMutex
	subs   map[string]chan Update
	buffer int
}

func newFeed(buffer int) *feed {
	if buffer <= 0 {
		buffer = 1
	}
	return &feed{subs: map[string]chan Update{}, buffer: buffer}
}

func (f *feed) watch() (<-chan Update, func()) {
	id := uuid.NewString()
	ch := make(chan Update, f.buffer)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; a watcher with a full buffer misses the signal.
func (f *feed) publish(u Update) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
