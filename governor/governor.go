// Package governor implements two-level admission control: a global cap on
// in-flight messages and a cap on reserved messages per queue.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/baldanca/queue-dispatcher/telemetry"
)

// Governor hands out Reservations. A message holds one reservation, that is
// one global token and one token of its queue, from receive until its
// terminal state.
type Governor struct {
	total    int64
	perQueue int64

	global   *semaphore.Weighted
	inflight atomic.Int64

	mu     sync.Mutex
	queues map[string]*queuePool
}

type queuePool struct {
	sem  *semaphore.Weighted
	held atomic.Int64
}

// New returns a governor with the given capacities.
func New(maxInflightTotal, maxPrefetchPerQueue int) (*Governor, error) {
	if maxInflightTotal < 1 {
		return nil, fmt.Errorf("max inflight total must be >= 1, got %d", maxInflightTotal)
	}
	if maxPrefetchPerQueue < 1 {
		return nil, fmt.Errorf("max prefetch per queue must be >= 1, got %d", maxPrefetchPerQueue)
	}
	return &Governor{
		total:    int64(maxInflightTotal),
		perQueue: int64(maxPrefetchPerQueue),
		global:   semaphore.NewWeighted(int64(maxInflightTotal)),
		queues:   make(map[string]*queuePool),
	}, nil
}

// pool returns the address's pool, creating it exactly once.
func (g *Governor) pool(addr string) *queuePool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.queues[addr]
	if !ok {
		p = &queuePool{sem: semaphore.NewWeighted(g.perQueue)}
		g.queues[addr] = p
	}
	return p
}

// TryReserve never blocks. It returns false when either pool is exhausted,
// and in that case nothing is left held.
func (g *Governor) TryReserve(addr string) (*Reservation, bool) {
	p := g.pool(addr)

	// Global before queue, on every path.
	if !g.global.TryAcquire(1) {
		return nil, false
	}
	if !p.sem.TryAcquire(1) {
		g.global.Release(1)
		return nil, false
	}
	return g.granted(addr, p), true
}

// Reserve blocks until both tokens are held or ctx ends. On ctx end the
// global token, if already taken, is returned before the error.
func (g *Governor) Reserve(ctx context.Context, addr string) (*Reservation, error) {
	p := g.pool(addr)

	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		g.global.Release(1)
		return nil, err
	}
	return g.granted(addr, p), nil
}

func (g *Governor) granted(addr string, p *queuePool) *Reservation {
	p.held.Add(1)
	n := g.inflight.Add(1)
	telemetry.InFlightGauge.Set(float64(n))
	return &Reservation{g: g, pool: p, addr: addr}
}

// InFlight reports how many global tokens are held.
func (g *Governor) InFlight() int {
	return int(g.inflight.Load())
}

// QueueInFlight reports how many tokens of addr's pool are held.
func (g *Governor) QueueInFlight(addr string) int {
	g.mu.Lock()
	p, ok := g.queues[addr]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	return int(p.held.Load())
}

// Limits returns the configured capacities.
func (g *Governor) Limits() (maxInflightTotal, maxPrefetchPerQueue int) {
	return int(g.total), int(g.perQueue)
}

// Reservation is one message's hold on both pools.
type Reservation struct {
	g    *Governor
	pool *queuePool
	addr string

	released atomic.Bool
}

// Address is the queue the reservation was taken for.
func (r *Reservation) Address() string { return r.addr }

// Release returns both tokens. Calling it more than once, or on a nil
// reservation, is a no-op.
func (r *Reservation) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	r.pool.held.Add(-1)
	r.pool.sem.Release(1)
	n := r.g.inflight.Add(-1)
	r.g.global.Release(1)
	telemetry.InFlightGauge.Set(float64(n))
}
