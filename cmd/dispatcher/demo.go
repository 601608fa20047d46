package main

import (
	"context"
	"log/slog"

	"github.com/baldanca/queue-dispatcher/dispatcher"
)

// echoHandler stands in for the real agent: it replies with the body.
func echoHandler() dispatcher.Handler {
	return dispatcher.HandlerFunc(func(ctx context.Context, c *dispatcher.Call) (string, error) {
		return "Processed: " + c.Body, nil
	})
}

// logNotifier writes outgoing notifications and files to the log.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(_ context.Context, correlationID, text string) error {
	n.logger.Info("notify", slog.String("correlation_id", correlationID), slog.String("text", text))
	return nil
}

func (n logNotifier) SendFile(_ context.Context, correlationID, path, caption string) error {
	n.logger.Info("send file",
		slog.String("correlation_id", correlationID),
		slog.String("path", path),
		slog.String("caption", caption),
	)
	return nil
}
