// Package journal provides the append-only usage/error/debug record pipeline
// and the in-memory rolling aggregates the router's selectors read.
//
// Writers hand records to bounded channels; a background flusher batches
// inserts. The overflow policy drops debug first, then errors, never usage.
package journal

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/storage"
)

const (
	usageChanSize = 1024
	errorChanSize = 512
	debugChanSize = 128

	batchSize  = 100
	flushEvery = 5 * time.Second
	drainTime  = 30 * time.Second
)

// Journal buffers records and batch-flushes them to the store.
type Journal struct {
	usage chan gateway.UsageRecord
	errs  chan gateway.ErrorRecord
	debug chan gateway.DebugTrace
	perf  chan gateway.PerformanceSample

	store storage.Store
	aggs  *Aggregates
}

// New creates a Journal backed by store. aggs may be nil when the router's
// telemetry selectors are unused.
func New(store storage.Store, aggs *Aggregates) *Journal {
	return &Journal{
		usage: make(chan gateway.UsageRecord, usageChanSize),
		errs:  make(chan gateway.ErrorRecord, errorChanSize),
		debug: make(chan gateway.DebugTrace, debugChanSize),
		perf:  make(chan gateway.PerformanceSample, usageChanSize),
		store: store,
		aggs:  aggs,
	}
}

// RecordUsage enqueues a usage record. Usage is the accounting source of
// truth, so the send blocks (bounded by ctx) rather than dropping.
func (j *Journal) RecordUsage(ctx context.Context, r gateway.UsageRecord) {
	select {
	case j.usage <- r:
	default:
		slog.Warn("usage queue full, blocking")
		select {
		case j.usage <- r:
		case <-ctx.Done():
			slog.Error("usage record lost to cancelled context", "request_id", r.RequestID)
		}
	}
}

// RecordError enqueues an error record; dropped when the queue is full.
func (j *Journal) RecordError(r gateway.ErrorRecord) {
	select {
	case j.errs <- r:
	default:
		slog.Warn("error record dropped, queue full", "request_id", r.RequestID)
	}
}

// RecordDebug enqueues a debug trace; dropped first under pressure.
func (j *Journal) RecordDebug(t gateway.DebugTrace) {
	select {
	case j.debug <- t:
	default:
	}
}

// RecordPerformance feeds the rolling aggregates and the performance table.
func (j *Journal) RecordPerformance(s gateway.PerformanceSample) {
	if j.aggs != nil {
		j.aggs.Add(s)
	}
	select {
	case j.perf <- s:
	default:
	}
}

// QueueDepths reports current channel occupancy for metrics.
func (j *Journal) QueueDepths() (usage, errs, debug int) {
	return len(j.usage), len(j.errs), len(j.debug)
}

// Run flushes batches until ctx is cancelled, then drains with a timeout.
// Implements worker.Worker.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	var (
		usageBuf []gateway.UsageRecord
		errBuf   []gateway.ErrorRecord
		debugBuf []gateway.DebugTrace
		perfBuf  []gateway.PerformanceSample
	)

	flush := func(ctx context.Context) {
		if len(usageBuf) > 0 {
			if err := j.store.InsertUsage(ctx, usageBuf); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
					slog.Int("count", len(usageBuf)),
					slog.String("error", err.Error()),
				)
			}
			usageBuf = usageBuf[:0]
		}
		if len(errBuf) > 0 {
			if err := j.store.InsertErrors(ctx, errBuf); err != nil {
				slog.Warn("error flush failed", "count", len(errBuf), "error", err)
			}
			errBuf = errBuf[:0]
		}
		if len(debugBuf) > 0 {
			if err := j.store.InsertDebug(ctx, debugBuf); err != nil {
				slog.Warn("debug flush failed", "count", len(debugBuf), "error", err)
			}
			debugBuf = debugBuf[:0]
		}
		if len(perfBuf) > 0 {
			if err := j.store.InsertPerformance(ctx, perfBuf); err != nil {
				slog.Warn("performance flush failed", "count", len(perfBuf), "error", err)
			}
			perfBuf = perfBuf[:0]
		}
	}

	for {
		select {
		case r := <-j.usage:
			usageBuf = append(usageBuf, r)
			if len(usageBuf) >= batchSize {
				flush(ctx)
			}
		case r := <-j.errs:
			errBuf = append(errBuf, r)
			if len(errBuf) >= batchSize {
				flush(ctx)
			}
		case t := <-j.debug:
			debugBuf = append(debugBuf, t)
			if len(debugBuf) >= batchSize {
				flush(ctx)
			}
		case s := <-j.perf:
			perfBuf = append(perfBuf, s)
			if len(perfBuf) >= batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			// Drain remaining records with a fresh, bounded context.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTime)
			for {
				select {
				case r := <-j.usage:
					usageBuf = append(usageBuf, r)
				case r := <-j.errs:
					errBuf = append(errBuf, r)
				case t := <-j.debug:
					debugBuf = append(debugBuf, t)
				case s := <-j.perf:
					perfBuf = append(perfBuf, s)
				default:
					flush(dctx)
					cancel()
					return nil
				}
			}
		}
	}
}
