package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ThreadRegistry owns the threads opened by one signed-in user and the
// current selection. The thread set only grows until Close.
type ThreadRegistry struct {
	mu sync.RWMutex

	self     string
	threads  map[string]*thread // counterpart -> thread
	order    []string           // insertion order
	selected string
	closed   bool

	history        HistoryStore
	historyTimeout time.Duration
	notify         func(Update)
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loads  sync.WaitGroup
}

func NewThreadRegistry(ctx context.Context, self string, history HistoryStore, historyTimeout time.Duration, notify func(Update), logger *slog.Logger) *ThreadRegistry {
	if notify == nil {
		notify = func(Update) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	rctx, cancel := context.WithCancel(ctx)
	return &ThreadRegistry{
		self:           self,
		threads:        map[string]*thread{},
		history:        history,
		historyTimeout: historyTimeout,
		notify:         notify,
		logger:         logger.With("component", "registry", "user", self),
		ctx:            rctx,
		cancel:         cancel,
	}
}

// Select activates the thread for name, registering it first when it does not
// exist yet. Registration is synchronous; only a newly registered thread
// triggers a history load, whose outcome is delivered on the returned channel.
// The channel always receives exactly one value and is then closed.
func (r *ThreadRegistry) Select(name string) (Thread, <-chan error) {
	done := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		done <- ErrInactive
		close(done)
		return Thread{}, done
	}

	if t, ok := r.threads[name]; ok {
		r.selected = name
		t.unread = 0
		snap := t.snapshot()
		r.mu.Unlock()

		r.notify(Update{Kind: UpdateSelection, Counterpart: name})
		done <- nil
		close(done)
		return snap, done
	}

	t := &thread{counterpart: name}
	r.threads[name] = t
	r.order = append(r.order, name)
	r.selected = name
	r.loads.Add(1)
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateThreadOpened, Counterpart: name})
	go r.load(name, done)
	return Thread{Counterpart: name}, done
}

func (r *ThreadRegistry) load(name string, done chan<- error) {
	defer r.loads.Done()
	defer close(done)

	ctx := r.ctx
	if r.historyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.historyTimeout)
		defer cancel()
	}

	msgs, err := r.history.FetchHistory(ctx, r.self, name)
	if err != nil {
		err = fmt.Errorf("%w: history with %s: %w", ErrFetchFailed, name, err)
		if r.active() {
			r.logger.Warn("history load failed", "counterpart", name, "err", err)
			r.notify(Update{Kind: UpdateError, Counterpart: name, Error: err.Error()})
		}
		done <- err
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		done <- ErrInactive
		return
	}
	t := r.threads[name]
	t.history = mergeLoaded(msgs, t.history)
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateHistoryLoaded, Counterpart: name})
	done <- nil
}

// mergeLoaded puts the loaded history first and keeps whatever was appended
// while the load was outstanding. An appended message the load already
// returned is not repeated.
func mergeLoaded(loaded, appended []Message) []Message {
	out := slices.Clone(loaded)
	for _, m := range appended {
		if !slices.ContainsFunc(loaded, m.same) {
			out = append(out, m)
		}
	}
	return out
}

func (r *ThreadRegistry) ClearSelection() {
	r.mu.Lock()
	if r.closed || r.selected == "" {
		r.mu.Unlock()
		return
	}
	r.selected = ""
	r.mu.Unlock()
	r.notify(Update{Kind: UpdateSelection})
}

func (r *ThreadRegistry) Selection() Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Selection{Counterpart: r.selected}
}

func (r *ThreadRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.threads[name]
	return ok
}

// Counterparts returns the registered counterparts in insertion order.
func (r *ThreadRegistry) Counterparts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *ThreadRegistry) Thread(name string) (Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[name]
	if !ok {
		return Thread{}, false
	}
	return t.snapshot(), true
}

func (r *ThreadRegistry) Previews(presence PresenceSnapshot) []ThreadPreview {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ThreadPreview, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.threads[name].preview(presence[name]))
	}
	return out
}

// AppendSent records an acknowledged outbound message.
func (r *ThreadRegistry) AppendSent(name, content string, ts time.Time) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrInactive
	}
	t, ok := r.threads[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotSelected
	}
	t.history = append(t.history, Message{Direction: DirectionSent, Content: content, Timestamp: ts})
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessage, Counterpart: name})
	return nil
}

// AppendReceived appends msg to the thread for sender. It reports false and
// registers nothing when that thread has not been opened.
func (r *ThreadRegistry) AppendReceived(sender string, msg Message) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	t, ok := r.threads[sender]
	if !ok {
		r.mu.Unlock()
		return false
	}
	t.history = append(t.history, msg)
	if r.selected != sender {
		t.unread++
	}
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateMessage, Counterpart: sender})
	return true
}

// Close discards the registry. Pending loads are cancelled and their results
// are never applied. Close is idempotent.
func (r *ThreadRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.threads = map[string]*thread{}
	r.order = nil
	r.selected = ""
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until every history load issued so far has finished.
func (r *ThreadRegistry) Wait() {
	r.loads.Wait()
}

func (r *ThreadRegistry) active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}
