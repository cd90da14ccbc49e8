package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PresencePoller keeps a PresenceSnapshot fresh for the names returned by
// targets. At most one presence request is outstanding at any time; ticks that
// find one in flight are skipped, not queued.
type PresencePoller struct {
	source   PresenceSource
	targets  func() []string
	interval time.Duration
	timeout  time.Duration
	onChange func(PresenceSnapshot)
	logger   *slog.Logger

	inFlight atomic.Bool
	requests sync.WaitGroup

	mu       sync.RWMutex
	snapshot PresenceSnapshot
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPresencePoller(source PresenceSource, targets func() []string, interval, timeout time.Duration, onChange func(PresenceSnapshot), logger *slog.Logger) *PresencePoller {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(PresenceSnapshot) {}
	}
	return &PresencePoller{
		source:   source,
		targets:  targets,
		interval: interval,
		timeout:  timeout,
		onChange: onChange,
		logger:   logger.With("component", "presence"),
		snapshot: PresenceSnapshot{},
	}
}

// Start launches the ticker loop. Requests are issued with ctx so they are
// not cut short by Stop; their results are discarded instead.
func (p *PresencePoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, context.WithoutCancel(ctx), p.done)
}

func (p *PresencePoller) loop(ctx, reqCtx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Tick(reqCtx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick issues one presence request unless the target set is empty, a request
// is already in flight, or the poller has been stopped. It reports whether a
// request was issued.
func (p *PresencePoller) Tick(ctx context.Context) bool {
	if p.isStopped() {
		return false
	}
	names := p.targets()
	if len(names) == 0 {
		return false
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("presence tick skipped, request in flight")
		return false
	}

	p.requests.Add(1)
	go p.fetch(ctx, names)
	return true
}

func (p *PresencePoller) fetch(ctx context.Context, names []string) {
	defer p.requests.Done()
	defer p.inFlight.Store(false)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result, err := p.source.FetchPresence(ctx, names)
	if err != nil {
		if !p.isStopped() {
			p.logger.Warn("presence fetch failed", "err", fmt.Errorf("%w: presence: %w", ErrFetchFailed, err))
		}
		return
	}

	next := make(PresenceSnapshot, len(names))
	for _, name := range names {
		next[name] = result[name]
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.snapshot = next
	p.mu.Unlock()

	p.onChange(next.Clone())
}

func (p *PresencePoller) Snapshot() PresenceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot.Clone()
}

// Stop halts the ticker and returns once the loop has exited. A request still
// in flight is left to finish but its result is never applied. Stop is
// idempotent and a stopped poller cannot be restarted.
func (p *PresencePoller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *PresencePoller) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// wait blocks until every issued request has returned.
func (p *PresencePoller) wait() {
	p.requests.Wait()
}
