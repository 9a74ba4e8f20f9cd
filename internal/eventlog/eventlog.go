// Package eventlog ships access decisions and usage reports to ClickHouse
// for reporting, falling back to the structured log.
package eventlog

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/londonhackspace/acserver/internal/acl"
)

const (
	bufferSize    = 10_000
	flushInterval = 500 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	sendTimeout   = 5 * time.Second
)

// Writer is an acl.EventSink that must be closed on shutdown.
type Writer interface {
	acl.EventSink
	Close()
}

const createTable = `
CREATE TABLE IF NOT EXISTS acserver_events (
	ts          DateTime64(3, 'UTC'),
	operation   LowCardinality(String),
	tool_id     Int64,
	card        String,
	target      String,
	user_id     Int64,
	result      LowCardinality(String),
	duration_ms Int64
) ENGINE = MergeTree
ORDER BY (tool_id, ts)`

const insertEvents = `
INSERT INTO acserver_events (ts, operation, tool_id, card, target, user_id, result, duration_ms)`

type sendFunc func(ctx context.Context, events []acl.Event) error

// ClickHouseWriter buffers events and batch inserts them from a background
// goroutine. Record never blocks; events are dropped when the buffer is full.
type ClickHouseWriter struct {
	conn    driver.Conn
	send    sendFunc
	buffer  chan acl.Event
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
	batch   int
	every   time.Duration
}

// NewClickHouseWriter connects, creates the events table if needed and
// starts the flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		_ = conn.Close()
		return nil, err
	}
	w := newWriter(nil, logger, flushBatch, flushInterval)
	w.conn = conn
	w.send = w.insert
	go w.flushLoop()
	return w, nil
}

func newWriter(send sendFunc, logger *zap.Logger, batch int, every time.Duration) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseWriter{
		send:    send,
		buffer:  make(chan acl.Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
		batch:   batch,
		every:   every,
	}
}

// Record queues ev for insertion.
func (w *ClickHouseWriter) Record(ev acl.Event) {
	select {
	case w.buffer <- ev:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("operation", ev.Operation),
			zap.Int64("tool_id", ev.ToolID),
		)
	}
}

// Close drains the buffer and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	batch := make([]acl.Event, 0, w.batch)
	for {
		select {
		case ev := <-w.buffer:
			batch = append(batch, ev)
			if len(batch) >= w.batch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			deadline := time.After(drainTimeout)
		drain:
			for {
				select {
				case ev := <-w.buffer:
					batch = append(batch, ev)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []acl.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := w.send(ctx, events); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) insert(ctx context.Context, events []acl.Event) error {
	batch, err := w.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := batch.Append(
			ev.At,
			ev.Operation,
			ev.ToolID,
			cardOrEmpty(ev.Card),
			cardOrEmpty(ev.Target),
			ev.UserID,
			ev.Result,
			ev.Duration.Milliseconds(),
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("operation", ev.Operation),
				zap.Error(err),
			)
		}
	}
	return batch.Send()
}

func cardOrEmpty(c acl.CardID) string {
	if c == 0 {
		return ""
	}
	return c.String()
}

// LogWriter writes events to a logger. Used when no ClickHouse DSN is set.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Record(ev acl.Event) {
	fields := []zap.Field{
		zap.String("operation", ev.Operation),
		zap.Int64("tool_id", ev.ToolID),
		zap.String("card", cardOrEmpty(ev.Card)),
		zap.String("result", ev.Result),
	}
	if ev.Target != 0 {
		fields = append(fields, zap.String("target", ev.Target.String()))
	}
	if ev.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", ev.UserID))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}
	w.logger.Info("acl_event", fields...)
}

func (w *LogWriter) Close() {}

// Open returns a ClickHouse writer for dsn, or a LogWriter when dsn is empty
// or the connection fails.
func Open(ctx context.Context, dsn string, logger *zap.Logger) Writer {
	if dsn == "" {
		return NewLogWriter(logger)
	}
	w, err := NewClickHouseWriter(ctx, dsn, logger)
	if err != nil {
		logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
		return NewLogWriter(logger)
	}
	logger.Info("clickhouse writer connected")
	return w
}
