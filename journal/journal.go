// Package journal records the terminal outcome of every dispatched message
// and writes them in batches as parquet objects.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baldanca/queue-dispatcher/encoder"
	"github.com/baldanca/queue-dispatcher/retry"
	"github.com/baldanca/queue-dispatcher/sink"
	"github.com/baldanca/queue-dispatcher/telemetry"
)

// Outcome is a message's terminal state.
type Outcome string

const (
	Acknowledged Outcome = "acknowledged"
	Abandoned    Outcome = "abandoned"
	Rejected     Outcome = "rejected"
	Cancelled    Outcome = "cancelled"
)

// Record is one row of the journal.
type Record struct {
	MessageID     string `parquet:"message_id"`
	Queue         string `parquet:"queue"`
	Owner         string `parquet:"owner,optional"`
	CorrelationID string `parquet:"correlation_id,optional"`
	Outcome       string `parquet:"outcome"`
	Error         string `parquet:"error,optional"`
	ReceiveCount  int32  `parquet:"receive_count"`
	ReceivedAtMs  int64  `parquet:"received_at_ms"`
	CompletedAtMs int64  `parquet:"completed_at_ms"`
	DurationMs    int64  `parquet:"duration_ms"`
}

// Recorder accepts outcome records. Implementations must not block.
type Recorder interface {
	Record(r Record)
}

// Config bounds how long a record may wait in memory. MaxBuffered caps the
// records held while the sink keeps failing; the oldest are dropped beyond
// it. Zero means ten batches.
type Config struct {
	MaxItems      int
	FlushInterval time.Duration
	MaxBuffered   int
}

var DefaultConfig = Config{
	MaxItems:      1000,
	FlushInterval: time.Minute,
}

func (c Config) Validate() error {
	if c.MaxItems <= 0 {
		return errors.New("MaxItems must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	if c.MaxBuffered != 0 && c.MaxBuffered < c.MaxItems {
		return errors.New("MaxBuffered must be 0 or >= MaxItems")
	}
	return nil
}

// Journal buffers records and flushes them when the batch is full or the
// flush interval has elapsed since the batch's first record.
type Journal struct {
	cfg     Config
	enc     encoder.Encoder[Record]
	sink    sink.Writer
	retry   retry.Policy
	logger  *slog.Logger
	now     func() time.Time
	newName func() string

	mu       sync.Mutex
	items    []Record
	deadline time.Time
	full     chan struct{}

	flushMu sync.Mutex
}

// Option configures a Journal.
type Option func(*Journal)

func WithRetry(p retry.Policy) Option {
	return func(j *Journal) { j.retry = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

func New(enc encoder.Encoder[Record], w sink.Writer, cfg Config, opts ...Option) (*Journal, error) {
	if enc == nil {
		return nil, errors.New("encoder is nil")
	}
	if w == nil {
		return nil, errors.New("sink is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBuffered == 0 {
		cfg.MaxBuffered = 10 * cfg.MaxItems
	}
	j := &Journal{
		cfg:     cfg,
		enc:     enc,
		sink:    w,
		retry:   retry.Nop{},
		logger:  slog.Default(),
		now:     time.Now,
		newName: func() string { return uuid.NewString() },
		full:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Record appends r to the current batch.
func (j *Journal) Record(r Record) {
	j.mu.Lock()
	if len(j.items) == 0 {
		j.deadline = j.now().Add(j.cfg.FlushInterval)
	}
	j.items = append(j.items, r)
	dropped := j.trimLocked()
	full := len(j.items) >= j.cfg.MaxItems
	j.mu.Unlock()

	j.reportDropped(dropped)

	if full {
		select {
		case j.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered records.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items)
}

func (j *Journal) take() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.items
	j.items = nil
	j.deadline = time.Time{}
	return out
}

func (j *Journal) due(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items) > 0 && !now.Before(j.deadline)
}

// Flush writes the buffered records as one object. A failed batch is put
// back in front of newer records so the next flush retries it.
func (j *Journal) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	items := j.take()
	if len(items) == 0 {
		return nil
	}

	if err := j.write(ctx, items); err != nil {
		telemetry.JournalFlushes.WithLabelValues("error").Inc()
		j.requeue(items)
		return err
	}
	telemetry.JournalFlushes.WithLabelValues("ok").Inc()
	j.logger.Debug("journal flushed", slog.Int("records", len(items)))
	return nil
}

func (j *Journal) requeue(items []Record) {
	j.mu.Lock()
	j.items = append(items, j.items...)
	j.deadline = j.now().Add(j.cfg.FlushInterval)
	dropped := j.trimLocked()
	j.mu.Unlock()

	j.reportDropped(dropped)
}

// trimLocked drops the oldest records beyond MaxBuffered.
func (j *Journal) trimLocked() int {
	over := len(j.items) - j.cfg.MaxBuffered
	if over <= 0 {
		return 0
	}
	j.items = append([]Record(nil), j.items[over:]...)
	return over
}

func (j *Journal) reportDropped(n int) {
	if n == 0 {
		return
	}
	telemetry.JournalDropped.Add(float64(n))
	j.logger.Warn("journal buffer full, dropped oldest records",
		slog.Int("dropped", n),
		slog.Int("max_buffered", j.cfg.MaxBuffered),
	)
}

func (j *Journal) write(ctx context.Context, items []Record) error {
	data, err := j.enc.Encode(ctx, items)
	if err != nil {
		return fmt.Errorf("encode journal batch: %w", err)
	}

	now := j.now().UTC()
	req := sink.WriteRequest{
		Key:         fmt.Sprintf("dt=%s/%d-%s%s", now.Format("2006-01-02"), now.UnixMilli(), j.newName(), j.enc.FileExtension()),
		Data:        data,
		ContentType: j.enc.ContentType(),
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	return j.retry.Do(ctx, func(ctx context.Context) error {
		return j.sink.Write(ctx, req)
	})
}

// Run flushes on size and time until ctx ends, then makes one last flush
// that ignores cancellation.
func (j *Journal) Run(ctx context.Context) error {
	tick := j.cfg.FlushInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return j.flushOnStop(ctx)
		case <-j.full:
			j.flushLogged(ctx)
		case now := <-t.C:
			if j.due(now) {
				j.flushLogged(ctx)
			}
		}
	}
}

func (j *Journal) flushLogged(ctx context.Context) {
	if err := j.Flush(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("journal flush failed", slog.String("error", err.Error()))
	}
}

func (j *Journal) flushOnStop(ctx context.Context) error {
	base, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := j.Flush(base); err != nil {
		j.logger.Error("final journal flush failed",
			slog.Int("records", j.Pending()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
