package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/queue-dispatcher/admin"
	"github.com/baldanca/queue-dispatcher/config"
	"github.com/baldanca/queue-dispatcher/dispatcher"
	"github.com/baldanca/queue-dispatcher/encoder"
	"github.com/baldanca/queue-dispatcher/journal"
	"github.com/baldanca/queue-dispatcher/retry"
	"github.com/baldanca/queue-dispatcher/sink"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the dispatcher and the admin HTTP server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cmd, cfg, logger)
		},
	}
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	c, err := newClients(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	dir, err := newDirectory(ctx, c, cfg, logger)
	if err != nil {
		return err
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithNotifier(logNotifier{logger: logger}),
		dispatcher.WithFileSender(logNotifier{logger: logger}),
	}

	var jr *journal.Journal
	if c.s3 != nil {
		enc, err := encoder.NewParquet[journal.Record]("snappy")
		if err != nil {
			return err
		}
		jr, err = journal.New(enc, sink.NewS3(c.s3, cfg.JournalBucket, cfg.JournalPrefix),
			journal.Config{MaxItems: cfg.JournalMaxItems, FlushInterval: cfg.JournalFlushInterval},
			journal.WithLogger(logger),
			journal.WithRetry(retry.SimpleRetry{Attempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true}),
		)
		if err != nil {
			return err
		}
		opts = append(opts, dispatcher.WithJournal(jr))
	}

	d, err := dispatcher.New(c.broker, dir, echoHandler(), dispatcherConfig(cfg), opts...)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.New(dir, d, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin listening", slog.String("addr", cfg.AdminAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// The journal outlives the dispatcher so the last outcomes are flushed.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalDone := make(chan error, 1)
	if jr != nil {
		go func() { journalDone <- jr.Run(journalCtx) }()
	} else {
		journalDone <- nil
	}

	g.Go(func() error {
		err := d.Run(gctx)
		stopJournal()
		if jerr := <-journalDone; jerr != nil {
			logger.Error("journal stopped with error", slog.String("error", jerr.Error()))
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, dispatcher.ErrShutdownTimeout) {
		logger.Warn("shutdown forced; unfinished messages will be redelivered")
		return nil
	}
	return err
}
