// Command jobrunner-worker runs the consumer and retry-scheduler side of
// the job runner: N consumer.Worker instances sharing one consumer
// group, an optional scheduler.Daemon sweeping the retry sorted set, and
// an optional dlqarchive sweep — mirroring cmd/worker/main.go's
// load-config/start/wait-for-signal/drain-then-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"jobrunner/auditsink"
	"jobrunner/auditsink/clickhouseaudit"
	"jobrunner/auditsink/noop"
	"jobrunner/config"
	"jobrunner/consumer"
	"jobrunner/dlqarchive"
	"jobrunner/envelope"
	"jobrunner/idempotency"
	"jobrunner/idempotency/lruidempotency"
	"jobrunner/idempotency/redisidempotency"
	"jobrunner/jobrunnerlog"
	"jobrunner/jobrunnerlog/logrusadapter"
	"jobrunner/jobrunnerlog/slogadapter"
	"jobrunner/pkg/ulid"
	"jobrunner/retrypolicy"
	"jobrunner/scheduler"
	"jobrunner/streamclient/redisclient"
)

func main() {
	consumers := flag.Int("consumers", 0, "number of consumer.Worker instances to run (0 uses config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("jobrunner-worker: load config: %v", err)
	}
	if *consumers > 0 {
		cfg.Consumer.Count = *consumers
	}
	if cfg.Consumer.ConsumerName == "" {
		cfg.Consumer.ConsumerName = "worker-" + ulid.New().String()
	}

	logger := buildLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redisclient.Open(ctx, cfg.Redis.URL, logger)
	if err != nil {
		log.Fatalf("jobrunner-worker: connect redis: %v", err)
	}
	defer client.Close()

	cache, err := buildIdempotencyCache(cfg.Idempotency, client)
	if err != nil {
		log.Fatalf("jobrunner-worker: build idempotency cache: %v", err)
	}

	audit, closeAudit, err := buildAuditSink(ctx, cfg.Audit, logger)
	if err != nil {
		log.Fatalf("jobrunner-worker: build audit sink: %v", err)
	}
	if closeAudit != nil {
		defer closeAudit()
	}

	policy, err := buildRetryPolicy(cfg.Consumer)
	if err != nil {
		log.Fatalf("jobrunner-worker: build retry policy: %v", err)
	}

	workers := make([]*consumer.Worker, 0, cfg.Consumer.Count)
	for i := 0; i < cfg.Consumer.Count; i++ {
		name := cfg.Consumer.ConsumerName
		if cfg.Consumer.Count > 1 {
			name = fmt.Sprintf("%s-%d", name, i)
		}

		w, err := consumer.New(client, consumer.Config{
			Stream:      cfg.Consumer.Stream,
			Group:       cfg.Consumer.Group,
			Consumer:    name,
			Codec:       envelope.JSONCodec{},
			Handler:     exampleHandler(logger),
			RetryPolicy: policy,
			Scheduling: consumer.SchedulingConfig{
				Mode:      schedulingMode(cfg.Consumer.SchedulingMode),
				RetryZSet: cfg.Consumer.RetryZSet,
			},
			Batch: consumer.BatchConfig{
				Count:   cfg.Consumer.BatchCount,
				BlockMs: cfg.Consumer.BatchBlockMs,
			},
			PELClaim: consumer.PELClaimConfig{
				Enabled:    cfg.Consumer.PELEnabled,
				MinIdleMs:  cfg.Consumer.PELMinIdleMs,
				MaxPerTick: cfg.Consumer.PELMaxPerTick,
				IntervalMs: cfg.Consumer.PELIntervalMs,
			},
			Idempotency: idempotencyConfig(cfg.Consumer, cfg.Idempotency),
			Cache:       cache,
			Audit:       audit,
			Log:         logger.With("consumer", name),
		})
		if err != nil {
			log.Fatalf("jobrunner-worker: build consumer %q: %v", name, err)
		}
		workers = append(workers, w)
	}

	var sched *scheduler.Daemon
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(client, scheduler.Config{
			RetryZSet:    cfg.Scheduler.RetryZSet,
			TargetStream: cfg.Scheduler.TargetStream,
			MaxBatch:     cfg.Scheduler.MaxBatch,
			TickMs:       cfg.Scheduler.TickMs,
			JitterPct:    cfg.Scheduler.JitterPct,
			Strategy:     schedulerStrategy(cfg.Scheduler.Strategy),
			Log:          logger.With("component", "scheduler"),
		})
		if err != nil {
			log.Fatalf("jobrunner-worker: build scheduler: %v", err)
		}
	}

	var archiver *dlqarchive.Archiver
	if cfg.DLQArchive.Enabled {
		archiver, err = dlqarchive.Open(ctx, client, dlqarchive.Config{
			Bucket:          cfg.DLQArchive.Bucket,
			Region:          cfg.DLQArchive.Region,
			Endpoint:        cfg.DLQArchive.Endpoint,
			AccessKeyID:     cfg.DLQArchive.AccessKeyID,
			SecretAccessKey: cfg.DLQArchive.SecretAccessKey,
			UsePathStyle:    cfg.DLQArchive.UsePathStyle,
			KeyPrefix:       cfg.DLQArchive.KeyPrefix,
			Log:             logger.With("component", "dlqarchive"),
		})
		if err != nil {
			log.Fatalf("jobrunner-worker: build dlq archiver: %v", err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		if err := w.Start(egCtx); err != nil {
			log.Fatalf("jobrunner-worker: start consumer: %v", err)
		}
		eg.Go(func() error {
			<-egCtx.Done()
			return w.Stop(context.Background(), consumer.StopOpts{Drain: true, TimeoutMs: 10000})
		})
	}
	if sched != nil {
		if err := sched.Start(egCtx); err != nil {
			log.Fatalf("jobrunner-worker: start scheduler: %v", err)
		}
		eg.Go(func() error {
			<-egCtx.Done()
			return sched.Stop(context.Background())
		})
	}
	if archiver != nil {
		eg.Go(func() error {
			return runDLQSweep(egCtx, archiver, cfg.Consumer.Stream+":dlq", cfg.DLQArchive.SweepInterval, cfg.DLQArchive.OlderThan, logger)
		})
	}

	logger.Info("jobrunner-worker: started", "consumers", len(workers), "scheduler", sched != nil, "dlq_archive", archiver != nil)

	<-egCtx.Done()
	logger.Info("jobrunner-worker: shutting down")

	if err := eg.Wait(); err != nil && egCtx.Err() == nil {
		logger.Error("jobrunner-worker: shutdown error", "error", err)
	}
	logger.Info("jobrunner-worker: stopped")
}

func runDLQSweep(ctx context.Context, archiver *dlqarchive.Archiver, stream string, interval, olderThan time.Duration, log jobrunnerlog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := archiver.RunSweep(ctx, stream, olderThan)
			if err != nil {
				log.Warn("jobrunner-worker: dlq sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("jobrunner-worker: dlq sweep archived entries", "count", n)
			}
		}
	}
}

// exampleHandler is the default message handler for the demonstration
// binary: it logs and acknowledges every message. Operators embedding
// this module supply their own consumer.Handler.
func exampleHandler(log jobrunnerlog.Logger) consumer.Handler {
	return func(ctx context.Context, payload string, meta consumer.Meta) error {
		log.Info("jobrunner-worker: handled message", "id", meta.ID, "type", meta.Headers.Type, "attempt", meta.Headers.Attempt)
		return nil
	}
}

func buildLogger(cfg config.LoggingConfig) jobrunnerlog.Logger {
	switch cfg.Format {
	case "logrus":
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		return logrusadapter.NewDefault(level)
	default:
		return slogadapter.NewJSON(slogadapter.ParseLevel(cfg.Level))
	}
}

func buildIdempotencyCache(cfg config.IdempotencyConfig, client *redisclient.Client) (idempotency.Cache, error) {
	switch cfg.Backend {
	case "redis":
		return redisidempotency.New(client), nil
	case "lru":
		return lruidempotency.New(cfg.LRUSize, cfg.LRUTTL), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

func buildAuditSink(ctx context.Context, cfg config.AuditConfig, log jobrunnerlog.Logger) (auditsink.Sink, func(), error) {
	switch cfg.Backend {
	case "clickhouse":
		sink, err := clickhouseaudit.Open(ctx, clickhouseaudit.Config{
			DSN:           cfg.ClickHouseDSN,
			Table:         cfg.Table,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			Log:           log.With("component", "auditsink"),
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return noop.New(), nil, nil
	}
}

func buildRetryPolicy(cfg config.ConsumerConfig) (*retrypolicy.Policy, error) {
	strategy := retrypolicy.StrategyExponentialJitter
	if cfg.RetryStrategy == "constant" {
		strategy = retrypolicy.StrategyConstant
	}
	return retrypolicy.New(retrypolicy.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		Strategy:    strategy,
		DelayMs:     cfg.RetryDelayMs,
		BaseMs:      cfg.RetryDelayMs,
		MaxDelayMs:  cfg.RetryMaxDelayMs,
	})
}

func idempotencyConfig(cc config.ConsumerConfig, ic config.IdempotencyConfig) *consumer.IdempotencyConfig {
	if ic.Backend == "none" {
		return nil
	}
	return &consumer.IdempotencyConfig{
		PendingTTLSec: cc.PendingTTLSec,
		DoneTTLSec:    cc.DoneTTLSec,
	}
}

func schedulingMode(s string) consumer.SchedulingMode {
	if s == "none" {
		return consumer.SchedulingNone
	}
	return consumer.SchedulingZSet
}

func schedulerStrategy(s string) scheduler.Strategy {
	switch s {
	case "pop_min":
		return scheduler.StrategyPopMin
	case "range_remove":
		return scheduler.StrategyRangeRemove
	default:
		return scheduler.StrategyAuto
	}
}
