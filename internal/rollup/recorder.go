package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/metrics"
	"github.com/iscgrou/skywalker/internal/traces"
)

const (
	recorderChanSize = 4096
	recorderFlushMs  = 2000
	recorderMaxKeys  = 1000
)

// Recorder asynchronously folds envelopes into rollup rows and flushes the
// accumulated counts to a Store. It is the bus subscriber that gives the
// pipeline durable history.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	ch      chan *event.Envelope
	stop    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
}

// NewRecorder creates a new async rollup recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan *event.Envelope, recorderChanSize),
		stop:   make(chan struct{}),
	}
}

// Send enqueues an envelope. Non-blocking: drops and increments a counter
// if the channel is full.
func (r *Recorder) Send(e *event.Envelope) {
	if e == nil {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of envelopes dropped due to a full channel.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Running reports whether the recorder loop is active.
func (r *Recorder) Running() bool {
	return r.running.Load()
}

// Start begins draining the channel and flushing batches. Call in a goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(time.Duration(recorderFlushMs) * time.Millisecond)
	defer ticker.Stop()

	acc := make(map[rowKey]*Row)

	for {
		select {
		case <-ctx.Done():
			r.flush(acc)
			return
		case <-r.stop:
			r.flush(acc)
			return
		case e := <-r.ch:
			r.accumulate(acc, e)
			if len(acc) >= recorderMaxKeys {
				r.flush(acc)
				acc = make(map[rowKey]*Row)
			}
		case <-ticker.C:
			if len(acc) > 0 {
				r.flush(acc)
				acc = make(map[rowKey]*Row)
			}
		}
	}
}

// Stop signals the recorder to flush remaining counts and exit.
func (r *Recorder) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// accumulate folds one envelope into every tracked resolution.
func (r *Recorder) accumulate(acc map[rowKey]*Row, e *event.Envelope) {
	ts := time.UnixMilli(e.TS)
	if e.TS <= 0 {
		ts = time.Now()
	}
	for _, w := range Windows {
		bucket := BucketStart(ts, w)
		k := rowKey{w, bucket.UnixMilli(), string(e.Domain), string(e.Kind)}
		if row, ok := acc[k]; ok {
			row.Count++
			continue
		}
		acc[k] = &Row{WindowMS: w, BucketTS: bucket, Domain: string(e.Domain), Kind: string(e.Kind), Count: 1}
	}
}

func (r *Recorder) flush(acc map[rowKey]*Row) {
	if len(acc) == 0 {
		return
	}
	rows := make([]*Row, 0, len(acc))
	for _, row := range acc {
		rows = append(rows, row)
	}
	r.safeFlush(rows)
}

func (r *Recorder) safeFlush(rows []*Row) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in rollup flush", "panic", fmt.Sprint(rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "rollup.flush", traces.RowCount(len(rows)))
	defer span.End()

	if err := r.store.UpsertBatch(ctx, rows); err != nil {
		r.logger.Error("rollup flush failed", "error", err, "rows", len(rows))
		return
	}
	metrics.RollupFlushTotal.Inc()
}
