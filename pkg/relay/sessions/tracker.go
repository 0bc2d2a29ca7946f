// Package sessions tracks live relayed conversations so the server can cap
// concurrency and drain them on shutdown.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAtCapacity is returned by Register when the tracker is full.
var ErrAtCapacity = errors.New("relay at session capacity")

// ErrDraining is returned by Register after Drain.
var ErrDraining = errors.New("relay is draining")

type Handle struct {
	AgentID string
	Started time.Time
	// Close ends the session with a websocket close code sent to the client.
	Close func(code int, reason string)
}

type Tracker struct {
	limit int

	mu       sync.Mutex
	sessions map[string]*trackedSession
	draining bool
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a tracker admitting at most limit sessions; limit <= 0
// means unlimited.
func NewTracker(limit int) *Tracker {
	return &Tracker{
		limit:    limit,
		sessions: make(map[string]*trackedSession),
	}
}

func (t *Tracker) Register(id string, h Handle) (unregister func(), err error) {
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return nil, ErrDraining
	}
	if t.limit > 0 && len(t.sessions) >= t.limit {
		t.mu.Unlock()
		return nil, ErrAtCapacity
	}
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(id, entry) }, nil
}

func (t *Tracker) unregister(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Drain stops admitting new sessions. Existing sessions keep running.
func (t *Tracker) Drain() {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
}

func (t *Tracker) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// CloseAll asks every tracked session to close and returns how many were
// asked.
func (t *Tracker) CloseAll(code int, reason string) (closed int) {
	var closers []func(int, string)
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Close == nil {
			continue
		}
		closers = append(closers, entry.handle.Close)
	}
	t.mu.Unlock()

	for _, fn := range closers {
		fn(code, reason)
		closed++
	}
	return closed
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
