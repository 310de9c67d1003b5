package syncer

import (
	"context"
	"sync"
)

// Loop runs sync cycles for queued triggers, one at a time, in order.
//
// Triggers are held in an unbounded FIFO; a trigger already waiting is not
// queued twice, so a burst of online transitions costs one cycle.
//
// The queue uses a channel for signaling to enable context-aware waiting in
// Run (prevents goroutine hangs on context cancellation).
//
// Thread-safety: Trigger, SetIdentity and Close may be called from any
// goroutine while Run is active.
type Loop struct {
	c      *Coordinator
	module string

	mu       sync.Mutex
	id       Identity
	triggers []Trigger
	closed   bool
	signal   chan struct{} // Signals trigger availability (buffered, size 1)
}

// NewLoop creates a loop running cycles for id.
func NewLoop(c *Coordinator, id Identity, module string) *Loop {
	return &Loop{
		c:        c,
		module:   module,
		id:       id,
		triggers: make([]Trigger, 0, 8),
		signal:   make(chan struct{}, 1),
	}
}

// SetIdentity replaces the identity used by later cycles, for example
// after a login.
func (l *Loop) SetIdentity(id Identity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = id
}

// Trigger queues a cycle. Returns false if the loop is closed.
func (l *Loop) Trigger(t Trigger) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	for _, queued := range l.triggers {
		if queued == t {
			return true
		}
	}
	l.triggers = append(l.triggers, t)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of waiting triggers.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.triggers)
}

// Close stops accepting triggers. Run returns once the queue is empty.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

func (l *Loop) next() (Trigger, Identity, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.triggers) == 0 {
		return "", Identity{}, false, l.closed
	}
	t := l.triggers[0]
	if len(l.triggers) == 1 {
		l.triggers = l.triggers[:0]
	} else {
		l.triggers = l.triggers[1:]
	}
	return t, l.id, true, false
}

// Run processes triggers until ctx is done or the loop is closed and
// drained. Cycle failures are reported through the coordinator's observers
// and do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		t, id, ok, closed := l.next()
		if ok {
			if _, err := l.c.Sync(ctx, id, l.module, t); err != nil {
				l.c.logger.Warn("sync cycle failed", "trigger", string(t), "error", err)
			}
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}
