// Package clickhouseaudit batches auditsink.TerminalEvent records and
// flushes them to ClickHouse, mirroring the connection/ping/settings
// pattern in internal/infrastructure/database/clickhouse.go.
package clickhouseaudit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"jobrunner/auditsink"
	"jobrunner/jobrunnerlog"
)

// Config configures the ClickHouse connection and batching behavior.
type Config struct {
	DSN           string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	Log           jobrunnerlog.Logger
}

// Sink batches TerminalEvents in memory and flushes them either when
// BatchSize is reached or every FlushInterval, whichever comes first.
type Sink struct {
	conn  driver.Conn
	table string
	log   jobrunnerlog.Logger

	mu      sync.Mutex
	buf     []auditsink.TerminalEvent
	batchSz int

	flushInterval time.Duration
	stopCh        chan struct{}
	stoppedCh     chan struct{}
}

// Open parses cfg.DSN, connects, and pings ClickHouse, then starts the
// background flush loop.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	log := cfg.Log
	if log == nil {
		log = jobrunnerlog.Nop{}
	}
	if cfg.Table == "" {
		cfg.Table = "jobrunner_terminal_events"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	options, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouseaudit: parse dsn: %w", err)
	}
	options.Settings = clickhouse.Settings{
		"max_execution_time": 60,
	}
	options.DialTimeout = 5 * time.Second
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("clickhouseaudit: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouseaudit: ping: %w", err)
	}

	s := &Sink{
		conn:          conn,
		table:         cfg.Table,
		log:           log,
		batchSz:       cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Record buffers event, flushing synchronously if the buffer has
// reached its batch size.
func (s *Sink) Record(ctx context.Context, event auditsink.TerminalEvent) error {
	s.mu.Lock()
	s.buf = append(s.buf, event)
	full := len(s.buf) >= s.batchSz
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

func (s *Sink) flushLoop() {
	defer close(s.stoppedCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			_ = s.flush(context.Background())
			return
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				s.log.Error("clickhouseaudit: flush failed", "error", err)
			}
		}
	}
}

func (s *Sink) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	b, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("clickhouseaudit: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.Stream, e.Group, e.Consumer, e.MessageID, e.Attempt,
			e.Kind.String(), e.Reason, e.DelayMs, e.At,
		); err != nil {
			return fmt.Errorf("clickhouseaudit: append row: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouseaudit: send batch: %w", err)
	}
	return nil
}

// Close flushes any buffered events and closes the connection.
func (s *Sink) Close() error {
	close(s.stopCh)
	<-s.stoppedCh
	return s.conn.Close()
}

var _ auditsink.Sink = (*Sink)(nil)
