package writer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/onebot-relay/internal/fanout"
	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// EventJournal consumes a fan-out subscription and writes to the onebot_events table.
type EventJournal struct {
	cfg    WriterConfig
	logger *slog.Logger
	sink   *metrics.Relay

	// Input from the Broadcaster
	events fanout.Receiver

	// Database
	db DB

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewEventJournal creates a new EventJournal. events must be a subscription
// taken for the journal alone; Stop closes it.
func NewEventJournal(
	cfg WriterConfig,
	events fanout.Receiver,
	db DB,
	m *metrics.Relay,
	logger *slog.Logger,
) *EventJournal {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	return &EventJournal{
		cfg:    cfg,
		events: events,
		db:     db,
		sink:   m,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database. Consumption
// continues after ctx ends; only Stop ends it.
func (w *EventJournal) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event journal started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop ends consumption, writes what the subscription already holds, and
// flushes the final partial batch within ctx.
func (w *EventJournal) Stop(ctx context.Context) error {
	w.logger.Info("stopping event journal")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event journal stop timed out")
		w.events.Close()
		return ctx.Err()
	}
	w.events.Close()

	// Final flush
	w.flush(ctx)

	w.logger.Info("event journal stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (w *EventJournal) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the subscription and accumulates batches.
func (w *EventJournal) consumeLoop() {
	defer w.wg.Done()

	for {
		ev, err := w.events.Recv(w.ctx)
		if err != nil {
			if w.lagged(err) {
				continue
			}
			if w.ctx.Err() != nil {
				w.drain()
			}
			return
		}

		w.handleEvent(w.ctx, ev, time.Now())
	}
}

// drain consumes what is already buffered once the journal is stopping.
// Recv with a cancelled context still returns buffered events.
func (w *EventJournal) drain() {
	writeCtx := context.WithoutCancel(w.ctx)
	for {
		ev, err := w.events.Recv(w.ctx)
		if err != nil {
			if w.lagged(err) {
				continue
			}
			return
		}
		w.handleEvent(writeCtx, ev, time.Now())
	}
}

// lagged records a lag report and reports whether err was one.
func (w *EventJournal) lagged(err error) bool {
	var lagErr *fanout.LagError
	if !errors.As(err, &lagErr) {
		return false
	}
	w.logger.Warn("event journal lagging, events lost", "missed", lagErr.Missed)
	w.batchMu.Lock()
	w.metrics.Lagged += int64(lagErr.Missed)
	w.batchMu.Unlock()
	return true
}

// flushLoop periodically flushes the batch.
func (w *EventJournal) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvent transforms and adds an event to the batch.
func (w *EventJournal) handleEvent(ctx context.Context, ev model.Event, receivedAt time.Time) {
	row, err := w.transform(ev, receivedAt)
	if err != nil {
		w.logger.Error("failed to encode event for journal", "post_type", ev.PostType, "error", err)
		w.batchMu.Lock()
		w.metrics.Skipped++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

// transform converts an Event to an eventRow.
func (w *EventJournal) transform(ev model.Event, receivedAt time.Time) (eventRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eventRow{}, err
	}

	var detail string
	// message_type, notice_type, request_type, meta_event_type
	ev.Field(ev.PostType+"_type", &detail)

	return eventRow{
		ID:         uuid.New(),
		SelfID:     ev.SelfID,
		PostType:   ev.PostType,
		DetailType: detail,
		EventTime:  ev.Time,
		ReceivedAt: receivedAt,
		Payload:    payload,
	}, nil
}

// flush writes the current batch to the database.
func (w *EventJournal) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	inserted, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		w.sink.JournalRows("failed", len(batch))
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(inserted)
	w.metrics.Flushes++
	w.batchMu.Unlock()
	w.sink.JournalRows("inserted", inserted)

	w.logger.Debug("flushed events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *EventJournal) batchInsert(ctx context.Context, rows []eventRow) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ID, r.SelfID, r.PostType, r.DetailType, r.EventTime, r.ReceivedAt, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(ct.RowsAffected())
	}

	return inserted, nil
}
