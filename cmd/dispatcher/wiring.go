package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/baldanca/queue-dispatcher/broker"
	"github.com/baldanca/queue-dispatcher/config"
	"github.com/baldanca/queue-dispatcher/directory"
	"github.com/baldanca/queue-dispatcher/dispatcher"
)

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Load()
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func queueAttributes(cfg config.Config) broker.QueueAttributes {
	attrs := broker.QueueAttributes{
		LeaseDuration: cfg.LeaseDuration,
		Retention:     cfg.RetentionPeriod,
	}
	if cfg.DLQArn != "" && cfg.DLQMaxReceive > 0 {
		attrs.Redrive = &broker.RedrivePolicy{TargetARN: cfg.DLQArn, MaxReceiveCount: cfg.DLQMaxReceive}
	}
	return attrs
}

func dispatcherConfig(cfg config.Config) dispatcher.Config {
	return dispatcher.Config{
		PollInterval:        cfg.PollInterval,
		ReceiveWait:         cfg.ReceiveWait,
		ReceiveWorkers:      cfg.ReceiveWorkers,
		MaxPrefetchPerQueue: cfg.MaxPrefetchPerQueue,
		MaxInflightTotal:    cfg.MaxInflightTotal,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatExtension:  cfg.HeartbeatExtension,
		ShutdownGrace:       cfg.ShutdownGrace,
		TagReplies:          cfg.TagReplies,
		WorkingNotice:       cfg.WorkingNotice,
		IndicatorInterval:   cfg.IndicatorInterval,
	}
}

// clients holds what the process talks to. s3 is nil unless the journal is
// enabled, redis is nil unless a redis address is configured.
type clients struct {
	broker broker.Broker
	s3     *s3.Client
	redis  *redis.Client
}

func (c *clients) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

func newClients(ctx context.Context, cmd *cobra.Command, cfg config.Config) (*clients, error) {
	kind, _ := cmd.Flags().GetString("broker")
	c := &clients{}

	needAWS := kind == "sqs" || cfg.JournalBucket != ""
	var awsCfg aws.Config
	if needAWS {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	switch kind {
	case "sqs":
		c.broker = broker.NewSQS(sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWSEndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
			}
		}))
	case "memory":
		c.broker = broker.NewMemory()
	default:
		return nil, fmt.Errorf("unsupported broker %q; use sqs|memory", kind)
	}

	if cfg.JournalBucket != "" {
		c.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWSEndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
				o.UsePathStyle = true
			}
		})
	}

	if cfg.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			_ = c.redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
	}
	return c, nil
}

// newDirectory builds the directory and restores the persisted mapping.
func newDirectory(ctx context.Context, c *clients, cfg config.Config, logger *slog.Logger) (*directory.Directory, error) {
	opts := []directory.Option{
		directory.WithPrefix(cfg.QueuePrefix),
		directory.WithLogger(logger),
	}
	if c.redis != nil {
		opts = append(opts, directory.WithStore(directory.NewRedisStore(c.redis, cfg.RedisKey)))
	}
	dir, err := directory.New(c.broker, queueAttributes(cfg), opts...)
	if err != nil {
		return nil, err
	}
	if _, err := dir.Load(ctx); err != nil {
		return nil, fmt.Errorf("load queue directory: %w", err)
	}
	return dir, nil
}
