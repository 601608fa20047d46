// Package directory maps owner keys to durable per-owner queues.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/baldanca/queue-dispatcher/broker"
	"github.com/baldanca/queue-dispatcher/telemetry"
)

// ErrEmptyOwner is returned for an empty owner key.
var ErrEmptyOwner = errors.New("owner key is required")

const maxQueueNameLen = 80

// QueueAdmin is the part of the broker the directory needs.
type QueueAdmin interface {
	CreateQueue(ctx context.Context, name string, attrs broker.QueueAttributes) (string, error)
	DeleteQueue(ctx context.Context, address string) error
}

// Directory tracks exactly one queue address per owner. Queues are created on
// first use and are never deleted implicitly.
type Directory struct {
	admin  QueueAdmin
	store  Store
	attrs  broker.QueueAttributes
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]string // owner -> address

	creating singleflight.Group
}

// Option configures a Directory.
type Option func(*Directory)

// WithStore persists the mapping. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(d *Directory) { d.store = s }
}

// WithPrefix sets the queue name prefix. The default is "agent-user-".
func WithPrefix(p string) Option {
	return func(d *Directory) { d.prefix = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// New creates a Directory that creates queues with attrs.
func New(admin QueueAdmin, attrs broker.QueueAttributes, opts ...Option) (*Directory, error) {
	if admin == nil {
		return nil, fmt.Errorf("queue admin is nil")
	}
	d := &Directory{
		admin:  admin,
		attrs:  attrs,
		prefix: "agent-user-",
		logger: slog.Default(),
		queues: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = NewMemoryStore()
	}
	return d, nil
}

// Load restores the mapping from the store. Entries already tracked win.
func (d *Directory) Load(ctx context.Context) (int, error) {
	all, err := d.store.All(ctx)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	n := 0
	for owner, addr := range all {
		if _, ok := d.queues[owner]; ok || addr == "" {
			continue
		}
		d.queues[owner] = addr
		n++
	}
	telemetry.KnownQueuesGauge.Set(float64(len(d.queues)))
	d.mu.Unlock()

	d.logger.Info("queue directory loaded", slog.Int("restored", n))
	return n, nil
}

// GetOrCreate returns the owner's queue address, creating the queue on first
// call. Concurrent first calls for one owner share a single creation.
// Creation errors are returned as-is; retry policy belongs to the caller.
func (d *Directory) GetOrCreate(ctx context.Context, owner string) (string, error) {
	if owner == "" {
		return "", ErrEmptyOwner
	}
	if addr, ok := d.Lookup(owner); ok {
		d.logger.Debug("returning cached queue address", slog.String("owner", owner))
		return addr, nil
	}

	v, err, _ := d.creating.Do(owner, func() (any, error) {
		if addr, ok := d.Lookup(owner); ok {
			return addr, nil
		}

		name := QueueName(d.prefix, owner)
		d.logger.Info("creating queue", slog.String("owner", owner), slog.String("name", name))

		addr, err := d.admin.CreateQueue(ctx, name, d.attrs)
		if err != nil {
			return "", err
		}

		d.mu.Lock()
		d.queues[owner] = addr
		telemetry.KnownQueuesGauge.Set(float64(len(d.queues)))
		d.mu.Unlock()

		// The queue exists at this point; a store failure is reported but the
		// mapping stays live for this process.
		if err := d.store.Put(ctx, owner, addr); err != nil {
			return addr, fmt.Errorf("persist queue mapping owner=%q: %w", owner, err)
		}

		d.logger.Info("created queue", slog.String("owner", owner), slog.String("queue", addr))
		return addr, nil
	})
	addr, _ := v.(string)
	return addr, err
}

// Lookup returns the owner's address without creating anything.
func (d *Directory) Lookup(owner string) (string, bool) {
	d.mu.RLock()
	addr, ok := d.queues[owner]
	d.mu.RUnlock()
	return addr, ok
}

// Addresses returns every known address once, in no particular order.
func (d *Directory) Addresses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.queues))
	seen := make(map[string]struct{}, len(d.queues))
	for _, addr := range d.queues {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Snapshot returns a copy of the owner → address map.
func (d *Directory) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.queues))
	for k, v := range d.queues {
		out[k] = v
	}
	return out
}

// Len returns the number of tracked owners.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.queues)
}

// Forget stops tracking the owner. The durable queue is left untouched.
func (d *Directory) Forget(ctx context.Context, owner string) bool {
	d.mu.Lock()
	_, ok := d.queues[owner]
	delete(d.queues, owner)
	telemetry.KnownQueuesGauge.Set(float64(len(d.queues)))
	d.mu.Unlock()

	if !ok {
		return false
	}
	if err := d.store.Remove(ctx, owner); err != nil {
		d.logger.Warn("failed to remove queue mapping", slog.String("owner", owner), slog.String("error", err.Error()))
	}
	d.logger.Info("removed queue tracking", slog.String("owner", owner))
	return true
}

// Delete removes the owner's durable queue and its tracking. It reports
// whether a queue was known. A queue already gone at the broker counts as
// deleted.
func (d *Directory) Delete(ctx context.Context, owner string) (bool, error) {
	addr, ok := d.Lookup(owner)
	if !ok {
		d.logger.Warn("no queue to delete", slog.String("owner", owner))
		return false, nil
	}

	if err := d.admin.DeleteQueue(ctx, addr); err != nil && !errors.Is(err, broker.ErrQueueNotFound) {
		d.logger.Error("failed to delete queue",
			slog.String("owner", owner),
			slog.String("queue", addr),
			slog.String("error", err.Error()),
		)
		return false, err
	}

	d.Forget(ctx, owner)
	d.logger.Info("deleted queue", slog.String("owner", owner), slog.String("queue", addr))
	return true, nil
}

// QueueName builds a broker-safe queue name: runes outside [A-Za-z0-9_-] are
// replaced by '-' and the result is capped at 80 characters. When either
// step changes the raw name, a hash of the raw owner is appended so distinct
// owners never share a queue.
func QueueName(prefix, owner string) string {
	raw := prefix + owner
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	if name == raw && len(name) <= maxQueueNameLen {
		return name
	}

	suffix := fmt.Sprintf("-%016x", xxhash.Sum64String(owner))
	if keep := maxQueueNameLen - len(suffix); len(name) > keep {
		name = name[:keep]
	}
	return name + suffix
}
