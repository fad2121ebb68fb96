package trace

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/aiproxy-dev/relay/internal/config"
	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

// Writer batches ProxyTrace rows and flushes them to the repository on
// a timer or once a batch fills, so a burst of traffic never makes the
// request path wait on a database write. Unlike the scheduler's
// credential draw, sampling here has no security weight, so it uses
// math/rand/v2 rather than crypto/rand.
type Writer struct {
	repo    store.Repository
	cfg     config.TraceConfig
	queue   chan *domain.ProxyTrace
	dropped atomic.Int64
}

// NewWriter builds a Writer with a bounded queue sized to a few batches
// of headroom so a flush-interval stall doesn't immediately start
// dropping traces.
func NewWriter(repo store.Repository, cfg config.TraceConfig) *Writer {
	capacity := cfg.MaxBatchSize * 4
	if capacity <= 0 {
		capacity = 256
	}
	return &Writer{
		repo:  repo,
		cfg:   cfg,
		queue: make(chan *domain.ProxyTrace, capacity),
	}
}

// Dropped returns the count of traces discarded because the queue was
// full, for exposure as a metrics counter.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Sample reports whether a request with this trace level should be
// recorded at all, applying the configured sampling rate. TraceLevel 0
// is never sampled regardless of rate.
func (w *Writer) Sample(traceLevel int) bool {
	if !w.cfg.Enabled || traceLevel <= 0 {
		return false
	}
	if w.cfg.SamplingRate >= 1 {
		return true
	}
	if w.cfg.SamplingRate <= 0 {
		return false
	}
	return rand.Float64() < w.cfg.SamplingRate
}

// Enqueue submits t for asynchronous persistence. If the queue is full
// the oldest queued trace is evicted to make room, and the drop counter
// is incremented — a burst of traffic loses its oldest observability
// data rather than blocking the request path.
func (w *Writer) Enqueue(t *domain.ProxyTrace) {
	select {
	case w.queue <- t:
		return
	default:
	}
	select {
	case <-w.queue:
		w.dropped.Add(1)
	default:
	}
	select {
	case w.queue <- t:
	default:
		w.dropped.Add(1)
	}
}

// Run drains the queue in batches of at most MaxBatchSize, flushing
// whenever a batch fills or FlushInterval elapses, until ctx is
// cancelled — at which point it makes one final best-effort flush.
func (w *Writer) Run(ctx context.Context) {
	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batchSize := w.cfg.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*domain.ProxyTrace, 0, batchSize)
	for {
		select {
		case <-ctx.Done():
			w.drainRemaining(batch)
			return
		case t := <-w.queue:
			batch = append(batch, t)
			if len(batch) >= batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) drainRemaining(batch []*domain.ProxyTrace) {
	for {
		select {
		case t := <-w.queue:
			batch = append(batch, t)
		default:
			w.flush(batch)
			return
		}
	}
}

func (w *Writer) flush(batch []*domain.ProxyTrace) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	for _, t := range batch {
		if err := w.repo.InsertTrace(ctx, t); err != nil {
			slog.Error("trace: insert failed", "request_id", t.RequestID, "error", err)
		}
	}
}
