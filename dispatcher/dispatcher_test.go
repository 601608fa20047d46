package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/queue-dispatcher/broker"
	"github.com/baldanca/queue-dispatcher/directory"
	"github.com/baldanca/queue-dispatcher/journal"
)

type note struct {
	chat, text string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (r *recordingNotifier) Notify(_ context.Context, chat, text string) error {
	r.mu.Lock()
	r.notes = append(r.notes, note{chat, text})
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.text
	}
	return out
}

func (r *recordingNotifier) has(text string) bool {
	for _, t := range r.texts() {
		if t == text {
			return true
		}
	}
	return false
}

type recordingJournal struct {
	mu      sync.Mutex
	records []journal.Record
}

func (r *recordingJournal) Record(rec journal.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recordingJournal) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Outcome
	}
	return out
}

type harness struct {
	t      *testing.T
	broker *broker.Memory
	dir    *directory.Directory
	notes  *recordingNotifier
}

func newHarness(t *testing.T, lease time.Duration) *harness {
	t.Helper()
	b := broker.NewMemory()
	dir, err := directory.New(b, broker.QueueAttributes{LeaseDuration: lease, Retention: time.Hour})
	require.NoError(t, err)
	return &harness{t: t, broker: b, dir: dir, notes: &recordingNotifier{}}
}

func (h *harness) send(owner, body string) string {
	h.t.Helper()
	addr, err := h.dir.GetOrCreate(context.Background(), owner)
	require.NoError(h.t, err)
	raw, err := json.Marshal(map[string]string{"user_id": owner, "chat_id": "chat-" + owner, "message": body})
	require.NoError(h.t, err)
	_, err = h.broker.Send(context.Background(), addr, raw)
	require.NoError(h.t, err)
	return addr
}

func (h *harness) sendRaw(owner string, raw []byte) string {
	h.t.Helper()
	addr, err := h.dir.GetOrCreate(context.Background(), owner)
	require.NoError(h.t, err)
	_, err = h.broker.Send(context.Background(), addr, raw)
	require.NoError(h.t, err)
	return addr
}

func testConfig() Config {
	return Config{
		PollInterval:        5 * time.Millisecond,
		ReceiveWorkers:      4,
		MaxPrefetchPerQueue: 2,
		MaxInflightTotal:    50,
		HeartbeatInterval:   20 * time.Millisecond,
		HeartbeatExtension:  200 * time.Millisecond,
		ShutdownGrace:       time.Second,
	}
}

// start runs the dispatcher and stops it when the test ends.
func (h *harness) start(handler Handler, cfg Config, opts ...Option) *Dispatcher {
	h.t.Helper()
	opts = append([]Option{WithNotifier(h.notes)}, opts...)
	d, err := New(h.broker, h.dir, handler, cfg, opts...)
	require.NoError(h.t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
		<-done
	})
	return d
}

func echo(delay time.Duration) HandlerFunc {
	return func(ctx context.Context, c *Call) (string, error) {
		time.Sleep(delay)
		return "Processed: " + c.Body, nil
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t, time.Second)
	_, err := New(nil, h.dir, echo(0), testConfig())
	require.Error(t, err)
	_, err = New(h.broker, nil, echo(0), testConfig())
	require.Error(t, err)
	_, err = New(h.broker, h.dir, nil, testConfig())
	require.Error(t, err)

	bad := testConfig()
	bad.ReceiveWorkers = 0
	_, err = New(h.broker, h.dir, echo(0), bad)
	require.Error(t, err)
}

func TestDispatcher_ProcessesOneOwnerInOrder(t *testing.T) {
	h := newHarness(t, time.Second)
	var addr string
	for _, body := range []string{"first", "second", "third"} {
		addr = h.send("u1", body)
	}

	h.start(echo(15*time.Millisecond), testConfig())

	want := []string{"Processed: first", "Processed: second", "Processed: third"}
	require.Eventually(t, func() bool {
		var got []string
		for _, s := range h.notes.texts() {
			if strings.HasPrefix(s, "Processed: ") {
				got = append(got, s)
			}
		}
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	var got []string
	for _, s := range h.notes.texts() {
		if strings.HasPrefix(s, "Processed: ") {
			got = append(got, s)
		}
	}
	assert.Equal(t, want, got)
	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_HandlerCallsForOneQueueNeverOverlap(t *testing.T) {
	h := newHarness(t, time.Second)
	for i := 0; i < 6; i++ {
		h.send("u1", fmt.Sprintf("m%d", i))
	}

	var running, peak, calls atomic.Int32
	var mu sync.Mutex
	var order []string
	handler := HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Lock()
		order = append(order, c.Body)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return "ok", nil
	})

	cfg := testConfig()
	cfg.MaxPrefetchPerQueue = 4
	h.start(handler, cfg)

	require.Eventually(t, func() bool { return calls.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, peak.Load())
	mu.Lock()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, order)
	mu.Unlock()
}

func TestDispatcher_KeepsPerOwnerOrderUnderLoad(t *testing.T) {
	h := newHarness(t, time.Second)
	const owners, perOwner = 6, 8
	for i := 0; i < perOwner; i++ {
		for o := 0; o < owners; o++ {
			h.send(fmt.Sprintf("u%d", o), fmt.Sprintf("%d", i))
		}
	}

	var mu sync.Mutex
	seen := make(map[string][]string)
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		n := calls.Add(1)
		time.Sleep(time.Duration(n*7%5) * time.Millisecond)
		mu.Lock()
		seen[c.Owner] = append(seen[c.Owner], c.Body)
		mu.Unlock()
		return "ok", nil
	})

	cfg := testConfig()
	cfg.ReceiveWorkers = 3
	cfg.MaxPrefetchPerQueue = 3
	cfg.MaxInflightTotal = 8
	d := h.start(handler, cfg)

	require.Eventually(t, func() bool { return calls.Load() == owners*perOwner && d.Active() == 0 },
		5*time.Second, 5*time.Millisecond)

	want := make([]string, perOwner)
	for i := range want {
		want[i] = fmt.Sprintf("%d", i)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, owners)
	for owner, got := range seen {
		assert.Equal(t, want, got, "owner %s", owner)
	}
}

// tokenWatchBroker counts lease extensions issued for tokens that were
// already being deleted.
type tokenWatchBroker struct {
	*broker.Memory

	mu      sync.Mutex
	deleted map[string]bool
	late    atomic.Int32
}

func (b *tokenWatchBroker) Delete(ctx context.Context, addr, token string) error {
	b.mu.Lock()
	b.deleted[token] = true
	b.mu.Unlock()
	return b.Memory.Delete(ctx, addr, token)
}

func (b *tokenWatchBroker) ExtendLease(ctx context.Context, addr, token string, d time.Duration) error {
	b.mu.Lock()
	gone := b.deleted[token]
	b.mu.Unlock()
	if gone {
		b.late.Add(1)
	}
	return b.Memory.ExtendLease(ctx, addr, token, d)
}

func TestDispatcher_NoLeaseExtensionAfterDelete(t *testing.T) {
	h := newHarness(t, time.Second)
	var addr string
	for i := 0; i < 20; i++ {
		addr = h.send("u1", fmt.Sprintf("m%d", i))
	}
	wb := &tokenWatchBroker{Memory: h.broker, deleted: make(map[string]bool)}

	cfg := testConfig()
	cfg.HeartbeatInterval = time.Millisecond
	d, err := New(wb, h.dir, echo(2*time.Millisecond), cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
		<-done
	})

	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 && d.Active() == 0 },
		5*time.Second, 5*time.Millisecond)
	assert.Zero(t, wb.late.Load())
}

func TestDispatcher_SlowOwnerDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send("slow", "hold")
	h.send("fast", "go")

	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		if c.Owner == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "done " + c.Owner, nil
	})
	h.start(handler, testConfig())

	require.Eventually(t, func() bool { return h.notes.has("done fast") }, time.Second, 5*time.Millisecond)
	assert.False(t, h.notes.has("done slow"))

	close(release)
	require.Eventually(t, func() bool { return h.notes.has("done slow") }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_BusyNoticeWhileEarlierMessageRuns(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send("u1", "long")

	started := make(chan struct{})
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		if c.Body == "long" {
			close(started)
			<-release
		}
		return "done " + c.Body, nil
	})
	h.start(handler, testConfig())

	<-started
	h.send("u1", "short")

	require.Eventually(t, func() bool { return h.notes.has(BusyText) }, time.Second, 5*time.Millisecond)
	assert.False(t, h.notes.has("done long"))

	close(release)
	require.Eventually(t, func() bool { return h.notes.has("done short") }, time.Second, 5*time.Millisecond)

	texts := h.notes.texts()
	assert.Equal(t, []string{BusyText, "done long", "done short"}, texts)
}

func TestDispatcher_NoBusyNoticeWhenIdle(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send("u1", "only")
	h.start(echo(0), testConfig())

	require.Eventually(t, func() bool { return h.notes.has("Processed: only") }, time.Second, 5*time.Millisecond)
	assert.False(t, h.notes.has(BusyText))
}

func TestDispatcher_PrefetchBoundsReservations(t *testing.T) {
	h := newHarness(t, time.Second)
	var addr string
	for i := 0; i < 5; i++ {
		addr = h.send("u1", fmt.Sprintf("m%d", i))
	}

	var calls atomic.Int32
	d := h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
		return "ok", nil
	}), testConfig())

	var peak atomic.Int32
	stop := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int32(d.Governor().QueueInFlight(addr)); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool { return calls.Load() == 5 }, 3*time.Second, 5*time.Millisecond)
	close(stop)
	watcher.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 2, peak.Load(), "prefetch should be used")
	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_GlobalCapAcrossQueues(t *testing.T) {
	h := newHarness(t, time.Second)
	for i := 0; i < 6; i++ {
		h.send(fmt.Sprintf("u%d", i), "x")
	}

	var running, peak, calls atomic.Int32
	cfg := testConfig()
	cfg.MaxInflightTotal = 3
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return "ok", nil
	}), cfg)

	require.Eventually(t, func() bool { return calls.Load() == 6 }, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestDispatcher_MalformedMessagesAreDeleted(t *testing.T) {
	h := newHarness(t, time.Second)
	addr := h.sendRaw("u1", []byte("not json"))
	h.sendRaw("u1", []byte(`{"user_id":"","chat_id":"c","message":"m"}`))
	h.send("u1", "valid")

	rec := &recordingJournal{}
	var calls atomic.Int32
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		calls.Add(1)
		return "ok " + c.Body, nil
	}), testConfig(), WithJournal(rec))

	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	require.Eventually(t, func() bool { return len(rec.outcomes()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"rejected", "rejected", "acknowledged"}, rec.outcomes())
}

func TestDispatcher_HeartbeatKeepsLongCallLeased(t *testing.T) {
	// Lease shorter than the handler: without extension the message would
	// be redelivered mid-call.
	h := newHarness(t, 60*time.Millisecond)
	addr := h.send("u1", "long")

	var calls atomic.Int32
	cfg := testConfig()
	cfg.HeartbeatInterval = 15 * time.Millisecond
	cfg.HeartbeatExtension = 60 * time.Millisecond
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		calls.Add(1)
		time.Sleep(250 * time.Millisecond)
		return "done", nil
	}), cfg)

	require.Eventually(t, func() bool { return h.notes.has("done") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatcher_FailedHandlerLeavesMessageForRedelivery(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	addr := h.send("u1", "flaky")

	var calls atomic.Int32
	var lastCount atomic.Int32
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatExtension = 50 * time.Millisecond
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		lastCount.Store(int32(c.ReceiveCount))
		if calls.Add(1) == 1 {
			return "", errors.New("model timeout")
		}
		return "recovered", nil
	}), cfg)

	require.Eventually(t, func() bool { return h.notes.has("recovered") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 2, lastCount.Load())
}

func TestDispatcher_PermanentFailureNotifiesAndDeletes(t *testing.T) {
	h := newHarness(t, time.Second)
	addr := h.send("u1", "bad")

	var calls atomic.Int32
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		calls.Add(1)
		return "", fmt.Errorf("%w: unsupported file type", ErrPermanent)
	}), testConfig())

	require.Eventually(t, func() bool { return h.broker.Len(addr) == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	require.Len(t, h.notes.texts(), 1)
	assert.Contains(t, h.notes.texts()[0], "unsupported file type")
}

func TestDispatcher_TagsRepliesAndFallsBackOnEmptyResult(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send("u1", "x")

	cfg := testConfig()
	cfg.TagReplies = true
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		return "", nil
	}), cfg)

	require.Eventually(t, func() bool { return len(h.notes.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "[job m-1] "+EmptyResultText, h.notes.texts()[0])
}

func TestDispatcher_ReplyTagUsesFirstEightChars(t *testing.T) {
	d := &Dispatcher{cfg: Config{TagReplies: true}}
	assert.Equal(t, "[job 0123abcd] hi", d.reply("0123abcd-ffff-eeee", "hi"))
	assert.Equal(t, "[job m-1] hi", d.reply("m-1", "hi"))

	d.cfg.TagReplies = false
	assert.Equal(t, "hi", d.reply("m-1", "hi"))
}

type recordingFiles struct {
	mu    sync.Mutex
	files []PendingFile
}

func (r *recordingFiles) SendFile(_ context.Context, _, path, caption string) error {
	r.mu.Lock()
	r.files = append(r.files, PendingFile{Path: path, Caption: caption})
	r.mu.Unlock()
	return nil
}

func (r *recordingFiles) sent() []PendingFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PendingFile(nil), r.files...)
}

func TestDispatcher_SendsAttachedFilesAndProgress(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send("u1", "report")

	files := &recordingFiles{}
	cfg := testConfig()
	cfg.WorkingNotice = true
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		c.AttachFile("/tmp/report.pdf", "your report")
		if err := c.Progress(ctx, "halfway"); err != nil {
			return "", err
		}
		return "attached", nil
	}), cfg, WithFileSender(files))

	require.Eventually(t, func() bool { return len(files.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PendingFile{Path: "/tmp/report.pdf", Caption: "your report"}, files.sent()[0])
	assert.Equal(t, []string{WorkingText, "halfway", "attached"}, h.notes.texts())
}

func TestDispatcher_FilesNotSentOnFailure(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.send("u1", "x")

	files := &recordingFiles{}
	var calls atomic.Int32
	h.start(HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		c.AttachFile("/tmp/a", "")
		calls.Add(1)
		return "", errors.New("boom")
	}), testConfig(), WithFileSender(files))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, files.sent())
}

type countingIndicator struct{ n atomic.Int32 }

func (c *countingIndicator) Indicate(context.Context, string, string) error {
	c.n.Add(1)
	return nil
}

func TestDispatcher_IndicatorRunsDuringCall(t *testing.T) {
	h := newHarness(t, time.Second)
	h.send("u1", "x")

	ind := &countingIndicator{}
	cfg := testConfig()
	cfg.IndicatorInterval = 10 * time.Millisecond
	d := h.start(echo(60*time.Millisecond), cfg, WithIndicator(ind))

	require.Eventually(t, func() bool { return h.notes.has("Processed: x") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, time.Millisecond)
	n := ind.n.Load()
	assert.GreaterOrEqual(t, n, int32(3))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ind.n.Load(), "indicator must stop with the unit")
}

func TestDispatcher_ShutdownCancelsWithoutDeleting(t *testing.T) {
	h := newHarness(t, time.Hour)
	addr := h.send("u1", "running")
	h.send("u1", "waiting")

	started := make(chan struct{})
	var once sync.Once
	rec := &recordingJournal{}
	d, err := New(h.broker, h.dir, HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}), testConfig(), WithJournal(rec))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	<-started
	require.Eventually(t, func() bool { return d.Active() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, <-done)

	assert.Equal(t, 2, h.broker.Len(addr), "cancelled units must not delete")
	assert.Zero(t, d.Active())
	assert.Zero(t, d.Governor().InFlight())
	assert.Zero(t, d.keeper.Running())
	assert.ElementsMatch(t, []string{"cancelled", "cancelled"}, rec.outcomes())
}

func TestDispatcher_ShutdownTimesOutOnStuckHandler(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.send("u1", "stuck")

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	cfg := testConfig()
	cfg.ShutdownGrace = 30 * time.Millisecond
	d, err := New(h.broker, h.dir, HandlerFunc(func(ctx context.Context, c *Call) (string, error) {
		close(started)
		<-release
		return "late", nil
	}), cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	<-started

	err = d.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownTimeout)
	require.ErrorIs(t, <-done, ErrShutdownTimeout)
	assert.Zero(t, d.keeper.Running(), "heartbeats are stopped even for stuck units")
}

func TestDispatcher_RunStopsWhenContextEnds(t *testing.T) {
	h := newHarness(t, time.Second)
	d, err := New(h.broker, h.dir, echo(0), testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.Error(t, d.Run(context.Background()), "Run is single-use")
}

func TestDispatcher_ShutdownWithoutRun(t *testing.T) {
	h := newHarness(t, time.Second)
	d, err := New(h.broker, h.dir, echo(0), testConfig())
	require.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))
}
