// Package lease keeps message leases alive while a handler runs.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/baldanca/queue-dispatcher/broker"
	"github.com/baldanca/queue-dispatcher/telemetry"
)

// Keeper starts heartbeats and tracks the running ones so they can all be
// stopped at shutdown.
type Keeper struct {
	ext       broker.LeaseExtender
	interval  time.Duration
	extension time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running map[*Heartbeat]struct{}
}

// Option configures a Keeper.
type Option func(*Keeper)

func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// NewKeeper returns a Keeper that extends each lease by extension every
// interval. interval must be shorter than extension, or the lease would lapse
// between ticks.
func NewKeeper(ext broker.LeaseExtender, interval, extension time.Duration, opts ...Option) (*Keeper, error) {
	if ext == nil {
		return nil, errors.New("lease extender is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be > 0, got %s", interval)
	}
	if extension <= interval {
		return nil, fmt.Errorf("heartbeat extension %s must exceed interval %s", extension, interval)
	}
	k := &Keeper{
		ext:       ext,
		interval:  interval,
		extension: extension,
		logger:    slog.Default(),
		running:   make(map[*Heartbeat]struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Start begins extending the lease identified by (addr, token). The heartbeat
// runs until Stop, StopAll, or ctx ends.
func (k *Keeper) Start(ctx context.Context, addr, token, messageID string) *Heartbeat {
	// Detached from the unit's cancellation: a cancelled handler still needs
	// the lease held until the unit decides what to do with the message.
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Heartbeat{
		keeper: k,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	k.mu.Lock()
	k.running[h] = struct{}{}
	k.mu.Unlock()

	go h.run(hctx, addr, token, messageID)
	return h
}

// Running reports how many heartbeats are active.
func (k *Keeper) Running() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.running)
}

// StopAll stops every running heartbeat and waits for them to exit.
func (k *Keeper) StopAll() {
	k.mu.Lock()
	hs := make([]*Heartbeat, 0, len(k.running))
	for h := range k.running {
		hs = append(hs, h)
	}
	k.mu.Unlock()

	for _, h := range hs {
		h.Stop()
	}
	if len(hs) > 0 {
		k.logger.Warn("stopped orphaned heartbeats", slog.Int("count", len(hs)))
	}
}

func (k *Keeper) forget(h *Heartbeat) {
	k.mu.Lock()
	delete(k.running, h)
	k.mu.Unlock()
}

// Heartbeat is the renewal loop of a single message.
type Heartbeat struct {
	keeper *Keeper
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *Heartbeat) run(ctx context.Context, addr, token, messageID string) {
	defer close(h.done)
	k := h.keeper

	t := time.NewTicker(k.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := k.ext.ExtendLease(ctx, addr, token, k.extension)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				// Keep going: a transient failure may be followed by a
				// successful extension before the lease runs out.
				telemetry.BrokerErrors.WithLabelValues("extend_lease").Inc()
				k.logger.Warn("lease extension failed",
					slog.String("queue", addr),
					slog.String("message_id", messageID),
					slog.String("error", err.Error()),
				)
				continue
			}
			telemetry.LeaseExtensions.Inc()
			k.logger.Debug("lease extended",
				slog.String("queue", addr),
				slog.String("message_id", messageID),
				slog.Duration("extension", k.extension),
			)
		}
	}
}

// Stop ends the heartbeat and waits for its goroutine. Safe to call more
// than once.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.keeper.forget(h)
	})
}
