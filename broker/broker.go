package broker

import (
	"context"
	"errors"
	"time"
)

// ErrQueueNotFound is returned when an operation targets a queue the broker
// does not know about (deleted, or never created).
var ErrQueueNotFound = errors.New("queue not found")

// ErrLeaseExpired is returned by Delete and ExtendLease when the lease token
// is no longer valid: the lease elapsed, or the message was already deleted.
var ErrLeaseExpired = errors.New("lease token expired")

// Message is one envelope received from a queue.
//
// LeaseToken is required to delete the message or extend its lease. It
// becomes invalid once the lease expires or the message is acknowledged.
type Message struct {
	ID           string
	LeaseToken   string
	Body         []byte
	ReceiveCount int
}

// RedrivePolicy is a pass-through dead-letter configuration. The engine never
// counts retries itself; the broker moves a message to TargetARN after
// MaxReceiveCount receives.
type RedrivePolicy struct {
	TargetARN       string
	MaxReceiveCount int
}

// QueueAttributes are applied when a queue is created.
type QueueAttributes struct {
	// LeaseDuration is the invisibility window applied at receive time.
	LeaseDuration time.Duration
	// Retention is how long an unacknowledged message survives.
	Retention time.Duration
	// Redrive is optional.
	Redrive *RedrivePolicy
}

// Broker is the at-least-once queue service the dispatcher depends on.
//
// Receive must return (nil, nil) when no message is available within wait.
// Every call may be issued concurrently from many goroutines.
type Broker interface {
	CreateQueue(ctx context.Context, name string, attrs QueueAttributes) (address string, err error)
	Receive(ctx context.Context, address string, wait time.Duration) (*Message, error)
	ExtendLease(ctx context.Context, address, leaseToken string, d time.Duration) error
	Delete(ctx context.Context, address, leaseToken string) error
	DeleteQueue(ctx context.Context, address string) error
}

// LeaseExtender is the subset of Broker used by lease heartbeats.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, address, leaseToken string, d time.Duration) error
}
