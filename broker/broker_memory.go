package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const memoryScheme = "memory://"

// Memory is an in-process Broker with SQS-like semantics: FIFO order of
// enqueue, an invisibility lease per receive, a fresh lease token on every
// delivery, retention and optional redrive. It backs tests and local runs.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    int64
	now    func() time.Time
}

var _ Broker = (*Memory)(nil)

type memQueue struct {
	name  string
	attrs QueueAttributes
	msgs  []*memMessage

	// signal is closed and replaced whenever a message becomes available.
	signal chan struct{}
}

type memMessage struct {
	id           string
	body         []byte
	sentAt       time.Time
	visibleAt    time.Time
	token        string
	receiveCount int
}

// NewMemory returns an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue), now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (b *Memory) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Memory) CreateQueue(_ context.Context, name string, attrs QueueAttributes) (string, error) {
	if name == "" {
		return "", fmt.Errorf("queue name is required")
	}
	addr := memoryScheme + name

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[addr]; !ok {
		b.queues[addr] = &memQueue{name: name, attrs: attrs, signal: make(chan struct{})}
	}
	return addr, nil
}

// Send enqueues a message. It plays the producer role.
func (b *Memory) Send(_ context.Context, address string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[address]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, address)
	}
	b.seq++
	now := b.now()
	m := &memMessage{
		id:        "m-" + strconv.FormatInt(b.seq, 10),
		body:      append([]byte(nil), body...),
		sentAt:    now,
		visibleAt: now,
	}
	q.msgs = append(q.msgs, m)
	q.notifyLocked()
	return m.id, nil
}

func (q *memQueue) notifyLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (b *Memory) Receive(ctx context.Context, address string, wait time.Duration) (*Message, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		q, ok := b.queues[address]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, address)
		}
		msg, nextVisible := b.takeLocked(q)
		signal := q.signal
		b.mu.Unlock()

		if msg != nil {
			return msg, nil
		}
		if deadline == nil {
			return nil, nil
		}

		var retry *time.Timer
		var retryC <-chan time.Time
		if !nextVisible.IsZero() {
			retry = time.NewTimer(time.Until(nextVisible))
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			stopTimer(retry)
			return nil, ctx.Err()
		case <-deadline:
			stopTimer(retry)
			return nil, nil
		case <-signal:
		case <-retryC:
		}
		stopTimer(retry)
	}
}

// takeLocked leases the oldest visible message. When none is visible it
// reports the earliest time one will become visible again.
func (b *Memory) takeLocked(q *memQueue) (*Message, time.Time) {
	now := b.now()
	var next time.Time

	kept := q.msgs[:0]
	var picked *memMessage
	for _, m := range q.msgs {
		if q.attrs.Retention > 0 && now.Sub(m.sentAt) >= q.attrs.Retention {
			continue
		}
		if picked == nil && !now.Before(m.visibleAt) {
			if rp := q.attrs.Redrive; rp != nil && rp.MaxReceiveCount > 0 && m.receiveCount >= rp.MaxReceiveCount {
				b.redriveLocked(rp.TargetARN, m)
				continue
			}
			picked = m
		} else if now.Before(m.visibleAt) && (next.IsZero() || m.visibleAt.Before(next)) {
			next = m.visibleAt
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = kept

	if picked == nil {
		return nil, next
	}

	picked.receiveCount++
	picked.token = newToken()
	picked.visibleAt = now.Add(q.attrs.LeaseDuration)
	return &Message{
		ID:           picked.id,
		LeaseToken:   picked.token,
		Body:         append([]byte(nil), picked.body...),
		ReceiveCount: picked.receiveCount,
	}, time.Time{}
}

func (b *Memory) redriveLocked(target string, m *memMessage) {
	addr := target
	if !strings.HasPrefix(addr, memoryScheme) {
		addr = memoryScheme + addr
	}
	dlq, ok := b.queues[addr]
	if !ok {
		return
	}
	m.visibleAt = b.now()
	m.token = ""
	m.receiveCount = 0
	dlq.msgs = append(dlq.msgs, m)
	dlq.notifyLocked()
}

func (b *Memory) ExtendLease(_ context.Context, address, leaseToken string, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.leasedLocked(address, leaseToken)
	if err != nil {
		return err
	}
	m.visibleAt = b.now().Add(d)
	return nil
}

func (b *Memory) Delete(_ context.Context, address, leaseToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, address)
	}
	for i, m := range q.msgs {
		if m.token != "" && m.token == leaseToken {
			copy(q.msgs[i:], q.msgs[i+1:])
			q.msgs[len(q.msgs)-1] = nil
			q.msgs = q.msgs[:len(q.msgs)-1]
			return nil
		}
	}
	return ErrLeaseExpired
}

// leasedLocked finds the message currently leased under leaseToken.
func (b *Memory) leasedLocked(address, leaseToken string) (*memMessage, error) {
	q, ok := b.queues[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, address)
	}
	now := b.now()
	for _, m := range q.msgs {
		if m.token != "" && m.token == leaseToken {
			if !now.Before(m.visibleAt) {
				return nil, ErrLeaseExpired
			}
			return m, nil
		}
	}
	return nil, ErrLeaseExpired
}

func (b *Memory) DeleteQueue(_ context.Context, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, address)
	}
	delete(b.queues, address)
	q.notifyLocked()
	return nil
}

// Len reports how many messages a queue holds, visible or leased.
func (b *Memory) Len(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[address]; ok {
		return len(q.msgs)
	}
	return 0
}

// Attributes returns the attributes a queue was created with.
func (b *Memory) Attributes(address string) (QueueAttributes, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[address]; ok {
		return q.attrs, true
	}
	return QueueAttributes{}, false
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func newToken() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf[:])
}
