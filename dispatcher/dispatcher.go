// Package dispatcher polls every owner queue and hands each message to a
// Handler, one message at a time per queue and in receive order.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baldanca/queue-dispatcher/broker"
	"github.com/baldanca/queue-dispatcher/governor"
	"github.com/baldanca/queue-dispatcher/journal"
	"github.com/baldanca/queue-dispatcher/lease"
	"github.com/baldanca/queue-dispatcher/telemetry"
)

// ErrShutdownTimeout is returned when units were still running after the
// shutdown grace period. Their messages redeliver once their leases lapse.
var ErrShutdownTimeout = errors.New("shutdown grace period elapsed with units still running")

const (
	BusyText = "I'm still working on your previous request. " +
		"I queued this one and will reply as soon as I'm done."
	EmptyResultText = "I processed your request but couldn't generate a response. " +
		"This might be due to a timeout, command failure, or an internal issue. " +
		"Please try again or rephrase your request."
	WorkingText = "Working on it…"

	failureTextPrefix = "Sorry, I couldn't complete this request: "
	indicatorAction   = "typing"

	// completionTimeout bounds the broker and notifier calls made after the
	// handler has returned. They run detached from shutdown cancellation.
	completionTimeout = 30 * time.Second
)

// MessageBroker is the part of the broker the dispatcher uses.
type MessageBroker interface {
	Receive(ctx context.Context, address string, wait time.Duration) (*broker.Message, error)
	Delete(ctx context.Context, address, leaseToken string) error
	ExtendLease(ctx context.Context, address, leaseToken string, d time.Duration) error
}

// AddressSource lists the queues to poll.
type AddressSource interface {
	Addresses() []string
}

type Config struct {
	PollInterval        time.Duration
	ReceiveWait         time.Duration
	ReceiveWorkers      int
	MaxPrefetchPerQueue int
	MaxInflightTotal    int
	HeartbeatInterval   time.Duration
	HeartbeatExtension  time.Duration
	ShutdownGrace       time.Duration

	TagReplies        bool
	WorkingNotice     bool
	IndicatorInterval time.Duration
}

var DefaultConfig = Config{
	PollInterval:        time.Second,
	ReceiveWorkers:      10,
	MaxPrefetchPerQueue: 2,
	MaxInflightTotal:    50,
	HeartbeatInterval:   60 * time.Second,
	HeartbeatExtension:  120 * time.Second,
	ShutdownGrace:       10 * time.Second,
	TagReplies:          true,
	IndicatorInterval:   4 * time.Second,
}

func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("PollInterval must be > 0"))
	}
	if c.ReceiveWait < 0 {
		errs = append(errs, errors.New("ReceiveWait must be >= 0"))
	}
	if c.ReceiveWorkers < 1 {
		errs = append(errs, errors.New("ReceiveWorkers must be >= 1"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("ShutdownGrace must be >= 0"))
	}
	return errors.Join(errs...)
}

type Dispatcher struct {
	cfg     Config
	broker  MessageBroker
	queues  AddressSource
	handler Handler

	gov    *governor.Governor
	keeper *lease.Keeper
	locks  orderLocks

	notifier  Notifier
	files     FileSender
	indicator Indicator
	journal   journal.Recorder
	logger    *slog.Logger

	unitCtx     context.Context
	cancelUnits context.CancelFunc
	units       sync.WaitGroup
	active      atomic.Int64

	running   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	drainOnce sync.Once
	drainErr  error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithFileSender(f FileSender) Option {
	return func(d *Dispatcher) { d.files = f }
}

// WithIndicator enables the activity hint while a message waits or runs.
func WithIndicator(i Indicator) Option {
	return func(d *Dispatcher) { d.indicator = i }
}

// WithJournal records one outcome per terminal message.
func WithJournal(r journal.Recorder) Option {
	return func(d *Dispatcher) { d.journal = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(b MessageBroker, queues AddressSource, h Handler, cfg Config, opts ...Option) (*Dispatcher, error) {
	if b == nil {
		return nil, errors.New("broker is nil")
	}
	if queues == nil {
		return nil, errors.New("address source is nil")
	}
	if h == nil {
		return nil, errors.New("handler is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:     cfg,
		broker:  b,
		queues:  queues,
		handler: h,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	gov, err := governor.New(cfg.MaxInflightTotal, cfg.MaxPrefetchPerQueue)
	if err != nil {
		return nil, err
	}
	keeper, err := lease.NewKeeper(b, cfg.HeartbeatInterval, cfg.HeartbeatExtension, lease.WithLogger(d.logger))
	if err != nil {
		return nil, err
	}
	d.gov = gov
	d.keeper = keeper
	d.unitCtx, d.cancelUnits = context.WithCancel(context.Background())
	return d, nil
}

// Governor exposes admission state for introspection.
func (d *Dispatcher) Governor() *governor.Governor { return d.gov }

// Active returns the number of units not yet terminal.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// InFlight returns the number of held global capacity tokens.
func (d *Dispatcher) InFlight() int { return d.gov.InFlight() }

// Limits returns the configured capacity bounds.
func (d *Dispatcher) Limits() (maxInflightTotal, maxPrefetchPerQueue int) { return d.gov.Limits() }

// Run polls until ctx ends or Shutdown is called, then drains. The returned
// error is ErrShutdownTimeout when the drain did not finish within the grace
// period.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	defer close(d.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	d.logger.Info("dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("max_inflight_total", d.cfg.MaxInflightTotal),
		slog.Int("max_prefetch_per_queue", d.cfg.MaxPrefetchPerQueue),
	)

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return d.drain()
		case <-t.C:
		}
		d.sweep(loopCtx)
		t.Reset(d.cfg.PollInterval)
	}
}

// Shutdown stops receiving and waits for Run to drain. If Run was never
// started it drains directly.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	if !d.running.Load() {
		return d.drain()
	}
	select {
	case <-d.done:
		return d.drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drain() error {
	d.drainOnce.Do(func() {
		d.logger.Info("dispatcher stopping", slog.Int("active_units", d.Active()))
		d.cancelUnits()

		finished := make(chan struct{})
		go func() {
			d.units.Wait()
			close(finished)
		}()

		grace := time.NewTimer(d.cfg.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-finished:
		case <-grace.C:
			d.drainErr = ErrShutdownTimeout
			d.logger.Warn("shutdown grace elapsed", slog.Int("active_units", d.Active()))
		}
		d.keeper.StopAll()
		d.logger.Info("dispatcher stopped")
	})
	return d.drainErr
}

// sweep polls every known queue once. Queues are polled concurrently, but a
// given queue is touched by a single goroutine per sweep, so units of one
// queue take their order tickets in receive order.
func (d *Dispatcher) sweep(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(d.cfg.ReceiveWorkers)
	seen := make(map[string]struct{})
	for _, addr := range d.queues.Addresses() {
		if ctx.Err() != nil {
			break
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addr := addr
		g.Go(func() error {
			d.poll(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
}

// poll receives at most one message from addr and schedules its unit.
func (d *Dispatcher) poll(ctx context.Context, addr string) {
	res, ok := d.gov.TryReserve(addr)
	if !ok {
		telemetry.AdmissionDeferred.Inc()
		return
	}

	msg, err := d.broker.Receive(ctx, addr, d.cfg.ReceiveWait)
	if err != nil {
		res.Release()
		if ctx.Err() == nil {
			telemetry.BrokerErrors.WithLabelValues("receive").Inc()
			d.logger.Warn("receive failed", slog.String("queue", addr), slog.String("error", err.Error()))
		}
		return
	}
	if msg == nil {
		res.Release()
		return
	}
	telemetry.MessagesReceived.Inc()

	u := &unit{
		d:          d,
		ctx:        d.unitCtx,
		addr:       addr,
		msg:        msg,
		res:        res,
		receivedAt: time.Now(),
	}
	u.hb = d.keeper.Start(d.unitCtx, addr, msg.LeaseToken, msg.ID)

	u.payload, u.parseErr = ParsePayload(msg.Body, d.logger)
	if u.parseErr == nil {
		u.ticket, u.immediate = d.locks.get(addr).enqueue()
	}

	d.active.Add(1)
	d.units.Add(1)
	go func() {
		defer d.units.Done()
		defer d.active.Add(-1)
		u.run()
	}()
}

// reply formats a result for the owner.
func (d *Dispatcher) reply(messageID, text string) string {
	if !d.cfg.TagReplies {
		return text
	}
	short := messageID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("[job %s] %s", short, text)
}

func (d *Dispatcher) notify(ctx context.Context, correlationID, text, kind string) bool {
	if d.notifier == nil || correlationID == "" {
		return false
	}
	if err := d.notifier.Notify(ctx, correlationID, text); err != nil {
		d.logger.Error("notify failed",
			slog.String("kind", kind),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// startIndicator emits the activity hint every IndicatorInterval until the
// returned stop function is called.
func (d *Dispatcher) startIndicator(ctx context.Context, correlationID string) (stop func()) {
	if d.indicator == nil || d.cfg.IndicatorInterval <= 0 || correlationID == "" {
		return func() {}
	}
	ictx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(d.cfg.IndicatorInterval)
		defer t.Stop()
		for {
			if err := d.indicator.Indicate(ictx, correlationID, indicatorAction); err != nil && ictx.Err() == nil {
				d.logger.Debug("indicator failed", slog.String("error", err.Error()))
			}
			select {
			case <-ictx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
