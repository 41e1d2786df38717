// Package recorder implements the Request Recorder: a fire-and-forget
// sink that receives one completion record per request and durably
// flushes them in the background without ever blocking the request
// path.
//
// Grounded on the lineage's analytics ingestion pipeline (buffered
// channel, periodic batch flush, graceful drain on shutdown), reworked
// so a full buffer drops the oldest record instead of the newest —
// matching this component's "drops the oldest entries" contract instead
// of the lineage's select-default silent drop of the newest.
package recorder

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwuu/pylon/internal/metrics"
)

// Record is one request completion record.
type Record struct {
	IdentityID      string
	API             string
	Status          int
	StartTime       time.Time
	Duration        time.Duration
	ClientAddr      string
	IsSSE           bool
	SSEMessageCount int
	RateLimited     bool
}

// Sink is the narrow interface the proxy engine and admission pipeline
// depend on, so they can be exercised in tests without a database.
type Sink interface {
	Record(rec Record)
}

// Recorder is the bounded, drop-oldest, batch-flushing implementation of
// Sink, backed by a request_log table.
type Recorder struct {
	mu      sync.Mutex
	buf     []Record
	cap     int
	dropped int64

	flushEvery   time.Duration
	flushBatch   int
	db           *sql.DB
	logger       zerolog.Logger

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	// Metrics is optional; when set, RequestsDroppedTotal tracks every
	// record evicted by a full buffer.
	Metrics *metrics.Metrics
}

// New creates a Recorder that accepts up to capacity records before
// dropping the oldest, flushing to db in batches of flushBatch (or
// whatever has accumulated) at least every flushEvery.
func New(db *sql.DB, capacity, flushBatch int, flushEvery time.Duration, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		cap:        capacity,
		flushEvery: flushEvery,
		flushBatch: flushBatch,
		db:         db,
		logger:     logger,
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Record enqueues rec, never blocking. If the buffer is at capacity the
// oldest queued record is dropped to make room and the dropped counter
// is incremented.
func (r *Recorder) Record(rec Record) {
	r.mu.Lock()
	if len(r.buf) >= r.cap {
		r.buf = r.buf[1:]
		atomic.AddInt64(&r.dropped, 1)
		if r.Metrics != nil {
			r.Metrics.RequestsDroppedTotal.Inc()
		}
	}
	r.buf = append(r.buf, rec)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of records dropped due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.notify:
			r.flushIfBatchFull()
		case <-r.stop:
			r.flush() // final drain
			return
		}
	}
}

func (r *Recorder) flushIfBatchFull() {
	r.mu.Lock()
	full := len(r.buf) >= r.flushBatch
	r.mu.Unlock()
	if full {
		r.flush()
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if r.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("request recorder: begin flush transaction")
		return
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_log
			(identity_id, api, status, start_time, duration_ms, client_addr, is_sse, sse_message_count, rate_limited)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		r.logger.Error().Err(err).Msg("request recorder: prepare flush statement")
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx, rec.IdentityID, rec.API, rec.Status, rec.StartTime,
			rec.Duration.Milliseconds(), rec.ClientAddr, rec.IsSSE, rec.SSEMessageCount, rec.RateLimited); err != nil {
			r.logger.Error().Err(err).Msg("request recorder: insert record")
		}
	}
	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("request recorder: commit flush transaction")
	}
}

// Stop drains and flushes remaining records, then returns once the
// background worker has exited.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}
