package duckdb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/thousand/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

// InsertBuffer batches delivery records and flushes them to DuckDB asynchronously.
// Add() never blocks on DuckDB writes - records are sent to a flush goroutine.
type InsertBuffer struct {
	writer        model.DeliveryWriter
	mu            sync.Mutex
	pending       []*model.DeliveryRecord
	flushChan     chan []*model.DeliveryRecord
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	stateMu       sync.RWMutex // held for writing once Stop begins
	stopped       bool
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup // separate WaitGroup for tickLoop

	// backpressureCount tracks inline flushes for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix timestamp of last backpressure log
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
}

// NewInsertBuffer creates a new insert buffer that flushes to writer.
func NewInsertBuffer(writer model.DeliveryWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 256
	flushInterval := 500 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		pending:       make([]*model.DeliveryRecord, 0, batchSize),
		flushChan:     make(chan []*model.DeliveryRecord, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// tickLoop periodically drains the pending buffer.
func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending() // final drain
			return
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds) when
// the flush channel is full and an inline flush is triggered.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("duckdb: backpressure, %d inline ledger flushes", count)
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]*model.DeliveryRecord, 0, b.maxBatch)
	b.mu.Unlock()

	b.enqueue(batch)
}

// enqueue hands a batch to the flush worker, flushing inline when the
// queue is full.
func (b *InsertBuffer) enqueue(batch []*model.DeliveryRecord) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		if err := b.writer.InsertDeliveryBatch(batch); err != nil {
			log.Printf("duckdb: ledger flush error (inline): %v", err)
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		if err := b.writer.InsertDeliveryBatch(batch); err != nil {
			log.Printf("duckdb: ledger flush error: %v", err)
		}
	}
}

// Add queues a record for batch insertion. This never blocks on DuckDB IO.
// Records added after Stop are dropped.
func (b *InsertBuffer) Add(record *model.DeliveryRecord) {
	if record == nil {
		return
	}
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.stopped {
		return
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	b.mu.Lock()
	b.pending = append(b.pending, record)
	var batch []*model.DeliveryRecord
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]*model.DeliveryRecord, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
}

// Stop flushes remaining records and waits for all writes to complete.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		b.stateMu.Lock()
		b.stopped = true
		b.stateMu.Unlock()

		close(b.done)
		// Wait for tickLoop's final drain before closing flushChan.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
	})
}

var _ model.DeliveryRecorder = (*InsertBuffer)(nil)

// InsertDeliveryBatch appends a batch of delivery records in a single transaction.
// If the batch fails, it is retried record-by-record to salvage what it can.
func (s *Store) InsertDeliveryBatch(records []*model.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertBatchTx(ctx, records)
	if err == nil {
		return nil
	}

	var failed int
	for _, r := range records {
		if rerr := s.insertBatchTx(ctx, []*model.DeliveryRecord{r}); rerr != nil {
			failed++
			log.Printf("duckdb: dropping delivery record (container=%d state=%s): %v", r.ContainerID, r.State, rerr)
		}
	}
	if failed > 0 {
		log.Printf("duckdb: ledger batch partially failed, %d/%d records dropped", failed, len(records))
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, records []*model.DeliveryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO deliveries (recorded_at, container_id, url, ui_url, name, cuid, submission_id, state, attempts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		recordedAt := r.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(
			ctx,
			recordedAt, r.ContainerID, r.URL, r.UIURL,
			r.Name, r.CUID, r.SubmissionID, r.State, r.Attempts,
		); err != nil {
			return fmt.Errorf("delivery insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
