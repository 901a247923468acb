// Package logger implements a non-blocking, batched usage-record logger.
//
// Entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the relay hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. A configured UsageSink receives the same
// batches for fan-out to an external analytics store.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// UsageRecord is one billed relay call, mirroring apikey.UsageRecord so the
// logger never needs to import the apikey package just to log its shape.
type UsageRecord struct {
	KeyID               string
	AccountID           string
	Platform            string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	CostUSD             float64
	StatusCode          int
	LatencyMs           int64
	CreatedAt           time.Time
}

// UsageSink receives flushed batches of usage records for fan-out to an
// external analytics store (e.g. ClickHouse). Sink errors are logged, never
// propagated — a slow or unavailable sink must not affect the relay path.
type UsageSink interface {
	WriteUsage(ctx context.Context, records []UsageRecord) error
}

// Logger is the async usage-record logger.
type Logger struct {
	ch        chan UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    UsageSink
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink wires an optional analytics fan-out sink.
func WithSink(sink UsageSink) Option {
	return func(l *Logger) { l.sink = sink }
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan UsageRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry UsageRecord) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageRecord, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "usage",
				slog.String("key_id", e.KeyID),
				slog.String("account_id", e.AccountID),
				slog.String("platform", e.Platform),
				slog.String("model", e.Model),
				slog.Int64("input_tokens", e.InputTokens),
				slog.Int64("output_tokens", e.OutputTokens),
				slog.Int64("cache_creation_tokens", e.CacheCreationTokens),
				slog.Int64("cache_read_tokens", e.CacheReadTokens),
				slog.Float64("cost_usd", e.CostUSD),
				slog.Int("status", e.StatusCode),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.sink != nil {
			if err := l.sink.WriteUsage(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "logger: usage sink write failed", slog.Any("error", err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
