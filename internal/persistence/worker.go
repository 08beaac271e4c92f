package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"dexledger/internal/observability"
)

// Output mirrors core.Output flattened into rows. The orchestrator
// (cmd/dexledger) bridges between the two with BuildRows, keeping this
// package free of core types.
type Output struct {
	EventRow  EventRow
	EntryRows []EntryRow
}

// Worker drains the persist channel and batch-writes to Postgres. The
// core uses BLOCKING sends into this channel, so if the worker falls
// behind the core stalls rather than lose an event.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics

	events  []EventRow
	entries []EntryRow
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		events:       make([]EventRow, 0, batchSize),
		entries:      make([]EntryRow, 0, batchSize*4),
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout fires. Blocks until ctx is cancelled or the input channel
// closes; either way the pending batch gets one last write with a
// background context so shutdown does not lose events.
func (pw *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.finalFlush()
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				pw.finalFlush()
				return nil
			}
			pw.events = append(pw.events, output.EventRow)
			pw.entries = append(pw.entries, output.EntryRows...)
			if len(pw.events) >= pw.batchSize {
				pw.flushPending(ctx, "batch")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(pw.events) > 0 {
				pw.flushPending(ctx, "timeout")
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *Worker) flushPending(ctx context.Context, trigger string) {
	if err := pw.flushWithRetry(ctx); err != nil {
		log.Printf("ERROR: %s flush failed after retries: %v", trigger, err)
	}
	pw.events = pw.events[:0]
	pw.entries = pw.entries[:0]
}

func (pw *Worker) finalFlush() {
	if len(pw.events) == 0 {
		return
	}
	if err := pw.flush(context.Background()); err != nil {
		log.Printf("ERROR: final flush failed: %v", err)
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled; cancellation still gets one last attempt with a
// background context.
func (pw *Worker) flushWithRetry(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(pw.events))
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background()); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := pw.flush(ctx); err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *Worker) flush(ctx context.Context) error {
	start := time.Now()

	// Events and their entries commit atomically.
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, pw.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteEntryBatch(ctx, tx, pw.entries); err != nil {
		pw.countError("write_entries")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(pw.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(pw.events)))
		pw.metrics.PersistEntriesWritten.Add(float64(len(pw.entries)))
		pw.metrics.PersistLastSequence.Set(float64(pw.events[len(pw.events)-1].Sequence))
	}
	return nil
}

func (pw *Worker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
