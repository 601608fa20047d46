package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrPermanent marks a handler failure that must not be retried. Wrap it to
// have the message deleted and the failure text sent to the owner.
var ErrPermanent = errors.New("permanent handler failure")

// Handler processes one message and returns the text to send back.
type Handler interface {
	Process(ctx context.Context, call *Call) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (string, error)

func (f HandlerFunc) Process(ctx context.Context, call *Call) (string, error) {
	return f(ctx, call)
}

// Notifier delivers text to the conversation identified by correlationID.
type Notifier interface {
	Notify(ctx context.Context, correlationID, text string) error
}

// FileSender delivers a file produced by a handler.
type FileSender interface {
	SendFile(ctx context.Context, correlationID, path, caption string) error
}

// Indicator shows a transient activity hint, such as "typing".
type Indicator interface {
	Indicate(ctx context.Context, correlationID, action string) error
}

// PendingFile is a file queued by a handler through Call.AttachFile.
type PendingFile struct {
	Path    string
	Caption string
}

// Call is the per-message context handed to a Handler.
type Call struct {
	Owner         string
	Body          string
	CorrelationID string
	Attachments   []json.RawMessage
	Onboarding    json.RawMessage
	Timestamp     time.Time

	MessageID    string
	ReceiveCount int
	Queue        string

	notifier Notifier

	mu    sync.Mutex
	files []PendingFile
}

// AttachFile queues a file sent after the handler returns successfully.
func (c *Call) AttachFile(path, caption string) {
	c.mu.Lock()
	c.files = append(c.files, PendingFile{Path: path, Caption: caption})
	c.mu.Unlock()
}

// Files returns the queued files.
func (c *Call) Files() []PendingFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingFile(nil), c.files...)
}

// Progress sends an interim message to the owner. It is a no-op without a
// notifier.
func (c *Call) Progress(ctx context.Context, text string) error {
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Notify(ctx, c.CorrelationID, text)
}
