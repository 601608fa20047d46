package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/baldanca/queue-dispatcher/broker"
	"github.com/baldanca/queue-dispatcher/governor"
	"github.com/baldanca/queue-dispatcher/journal"
	"github.com/baldanca/queue-dispatcher/lease"
	"github.com/baldanca/queue-dispatcher/telemetry"
)

// unit carries one message from receive to its terminal state. Everything
// in it is owned by the unit's goroutine.
type unit struct {
	d    *Dispatcher
	ctx  context.Context
	addr string
	msg  *broker.Message

	res *governor.Reservation
	hb  *lease.Heartbeat

	payload  Payload
	parseErr error

	ticket    *ticket
	immediate bool

	receivedAt time.Time
}

func (u *unit) run() {
	defer u.finish()

	if u.parseErr != nil {
		u.reject(u.parseErr)
		return
	}
	d := u.d

	call := &Call{
		Owner:         u.payload.UserID,
		Body:          u.payload.Message,
		CorrelationID: u.payload.ChatID,
		Attachments:   u.payload.Attachments,
		Onboarding:    u.payload.Onboarding,
		Timestamp:     u.payload.Timestamp,
		MessageID:     u.msg.ID,
		ReceiveCount:  u.msg.ReceiveCount,
		Queue:         u.addr,
		notifier:      d.notifier,
	}

	if !u.immediate {
		if d.notify(u.ctx, call.CorrelationID, BusyText, "busy") {
			telemetry.BusyNotices.Inc()
		}
		d.logger.Info("queued behind running message",
			slog.String("queue", u.addr),
			slog.String("message_id", u.msg.ID),
		)
	}

	stopIndicator := d.startIndicator(u.ctx, call.CorrelationID)
	defer stopIndicator()

	if err := u.ticket.wait(u.ctx); err != nil {
		u.cancelled(err)
		return
	}

	if d.cfg.WorkingNotice {
		d.notify(u.ctx, call.CorrelationID, WorkingText, "working")
	}

	start := time.Now()
	result, err := d.handler.Process(u.ctx, call)
	telemetry.HandlerSeconds.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		u.acknowledge(call, result)
	case errors.Is(err, ErrPermanent):
		u.failPermanently(call, err)
	case u.ctx.Err() != nil:
		u.cancelled(err)
	default:
		u.abandon(err)
	}
}

// finish releases the order lock, the heartbeat and both capacity tokens.
func (u *unit) finish() {
	if u.ticket != nil {
		u.ticket.release()
	}
	u.hb.Stop()
	u.res.Release()
}

// completionContext survives shutdown cancellation so a finished handler's
// message is still acknowledged.
func (u *unit) completionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(u.ctx), completionTimeout)
}

func (u *unit) delete(ctx context.Context) bool {
	// No extension may race with the delete of its token.
	u.hb.Stop()
	if err := u.d.broker.Delete(ctx, u.addr, u.msg.LeaseToken); err != nil {
		// Not fatal: the message will be redelivered after its lease lapses.
		telemetry.BrokerErrors.WithLabelValues("delete").Inc()
		u.d.logger.Error("delete failed",
			slog.String("queue", u.addr),
			slog.String("message_id", u.msg.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (u *unit) acknowledge(call *Call, result string) {
	d := u.d
	ctx, cancel := u.completionContext()
	defer cancel()

	if result == "" {
		d.logger.Warn("empty handler result, sending fallback", slog.String("message_id", u.msg.ID))
		result = EmptyResultText
	}
	d.notify(ctx, call.CorrelationID, d.reply(u.msg.ID, result), "result")

	if d.files != nil {
		for _, f := range call.Files() {
			if err := d.files.SendFile(ctx, call.CorrelationID, f.Path, f.Caption); err != nil {
				d.logger.Error("send file failed",
					slog.String("message_id", u.msg.ID),
					slog.String("path", f.Path),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if u.delete(ctx) {
		telemetry.MessagesAcknowledged.Inc()
		d.logger.Info("message processed",
			slog.String("queue", u.addr),
			slog.String("message_id", u.msg.ID),
		)
	}
	u.record(journal.Acknowledged, nil)
}

// reject deletes a message that can never be processed.
func (u *unit) reject(cause error) {
	ctx, cancel := u.completionContext()
	defer cancel()

	u.d.logger.Error("rejecting malformed message",
		slog.String("queue", u.addr),
		slog.String("message_id", u.msg.ID),
		slog.String("error", cause.Error()),
	)
	u.delete(ctx)
	telemetry.MessagesRejected.Inc()
	u.record(journal.Rejected, cause)
}

func (u *unit) failPermanently(call *Call, cause error) {
	d := u.d
	ctx, cancel := u.completionContext()
	defer cancel()

	d.logger.Error("handler failed permanently",
		slog.String("queue", u.addr),
		slog.String("message_id", u.msg.ID),
		slog.String("error", cause.Error()),
	)
	d.notify(ctx, call.CorrelationID, d.reply(u.msg.ID, failureTextPrefix+cause.Error()), "failure")
	u.delete(ctx)
	telemetry.MessagesRejected.Inc()
	u.record(journal.Rejected, cause)
}

// abandon leaves the message to the broker's redelivery.
func (u *unit) abandon(cause error) {
	u.d.logger.Error("handler failed, leaving message for redelivery",
		slog.String("queue", u.addr),
		slog.String("message_id", u.msg.ID),
		slog.Int("receive_count", u.msg.ReceiveCount),
		slog.String("error", cause.Error()),
	)
	telemetry.MessagesAbandoned.Inc()
	u.record(journal.Abandoned, cause)
}

func (u *unit) cancelled(cause error) {
	u.d.logger.Info("unit cancelled",
		slog.String("queue", u.addr),
		slog.String("message_id", u.msg.ID),
	)
	telemetry.MessagesCancelled.Inc()
	u.record(journal.Cancelled, cause)
}

func (u *unit) record(outcome journal.Outcome, cause error) {
	if u.d.journal == nil {
		return
	}
	now := time.Now()
	r := journal.Record{
		MessageID:     u.msg.ID,
		Queue:         u.addr,
		Owner:         u.payload.UserID,
		CorrelationID: u.payload.ChatID,
		Outcome:       string(outcome),
		ReceiveCount:  int32(u.msg.ReceiveCount),
		ReceivedAtMs:  u.receivedAt.UnixMilli(),
		CompletedAtMs: now.UnixMilli(),
		DurationMs:    now.Sub(u.receivedAt).Milliseconds(),
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	u.d.journal.Record(r)
}
