package dispatcher

import (
	"context"
	"sync"
)

// orderLock is a per-queue mutex that grants in ticket order. Go's
// sync.Mutex makes no FIFO promise, so waiters queue explicitly here.
type orderLock struct {
	mu      sync.Mutex
	held    bool
	waiters []*ticket
}

type ticket struct {
	lock  *orderLock
	ready chan struct{}
	// guarded by lock.mu
	granted bool
	done    bool
}

// enqueue takes the next ticket. immediate reports whether the lock was
// free, in which case the ticket is already granted.
func (l *orderLock) enqueue() (t *ticket, immediate bool) {
	t = &ticket{lock: l, ready: make(chan struct{})}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		t.granted = true
		close(t.ready)
		return t, true
	}
	l.waiters = append(l.waiters, t)
	return t, false
}

// wait blocks until the ticket is granted or ctx ends. On ctx end the ticket
// is abandoned; if it was granted in the meantime the lock passes on.
func (t *ticket) wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	t.release()
	return ctx.Err()
}

// release gives up the ticket, whether granted or still waiting. Only the
// first call has an effect.
func (t *ticket) release() {
	l := t.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.done {
		return
	}
	t.done = true

	if !t.granted {
		for i, w := range l.waiters {
			if w == t {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		return
	}

	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	next.granted = true
	close(next.ready)
}

// orderLocks creates one orderLock per queue address on first use.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

func (o *orderLocks) get(addr string) *orderLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = make(map[string]*orderLock)
	}
	l, ok := o.locks[addr]
	if !ok {
		l = &orderLock{}
		o.locks[addr] = l
	}
	return l
}
