// Package storage persists published order, position and execution updates
// off the reconciliation path.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/portfolio"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	DefaultQueueSize = 10_000

	writeAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// Recorder makes a processed execution id durable inside tx
type Recorder interface {
	Persist(tx *gorm.DB, id string) error
}

type update struct {
	kind    types.EventKind
	payload any
}

// Writer is a Publisher that queues updates and writes them on a single
// goroutine, so rows land in the order they were published. An accepted
// execution is written together with its order and position effects and its
// processed id, all in one transaction.
type Writer struct {
	db        *gorm.DB
	processed Recorder
	metrics   *observability.Metrics
	queue     chan update
	done      chan struct{}
}

func NewWriter(db *gorm.DB, processed Recorder, queueSize int, metrics *observability.Metrics) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		db:        db,
		processed: processed,
		metrics:   metrics,
		queue:     make(chan update, queueSize),
		done:      make(chan struct{}),
	}
}

// Publish enqueues an update. When the queue is full it waits for room, so a
// slow database slows reconciliation instead of losing rows. Updates
// published after the writer stopped are counted and dropped.
func (w *Writer) Publish(kind types.EventKind, payload any) {
	u := update{kind: kind, payload: payload}
	select {
	case w.queue <- u:
	default:
		log.Warn().Str("kind", string(kind)).Str("component", "storage_writer").Msg("persistence queue full, waiting")
		select {
		case w.queue <- u:
		case <-w.done:
			w.metrics.PersistErrors.WithLabelValues(string(kind)).Inc()
			log.Error().Str("kind", string(kind)).Str("component", "storage_writer").Msg("writer stopped, update dropped")
			return
		}
	}
	w.metrics.PersistQueueDepth.Set(float64(len(w.queue)))
}

// Executions returns a Publisher that forwards only execution journal
// entries. Reconciliation publishes through it: its order and position
// updates travel inside the execution record.
func (w *Writer) Executions() ExecutionSink {
	return ExecutionSink{w: w}
}

// ExecutionSink is the execution-only view of a Writer
type ExecutionSink struct{ w *Writer }

func (e ExecutionSink) Publish(kind types.EventKind, payload any) {
	if kind == types.EventExecution {
		e.w.Publish(kind, payload)
	}
}

// Start writes queued updates until ctx is done, then drains what is left
func (w *Writer) Start(ctx context.Context) {
	logger := log.With().Str("component", "storage_writer").Logger()
	logger.Info().Int("capacity", cap(w.queue)).Msg("starting storage writer")
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			drained := 0
			for {
				select {
				case u := <-w.queue:
					w.write(u)
					drained++
				default:
					logger.Info().Int("drained", drained).Msg("shutting down storage writer")
					return
				}
			}
		case u := <-w.queue:
			w.write(u)
			w.metrics.PersistQueueDepth.Set(float64(len(w.queue)))
		}
	}
}

func (w *Writer) write(u update) {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = w.store(u); err == nil {
			return
		}
		if attempt < writeAttempts {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}
	}
	w.metrics.PersistErrors.WithLabelValues(string(u.kind)).Inc()
	log.Error().Err(err).Str("kind", string(u.kind)).Str("component", "storage_writer").Msg("failed to persist update")
}

func (w *Writer) store(u update) error {
	switch u.kind {
	case types.EventOrderUpdate:
		rec, ok := u.payload.(types.OrderRecord)
		if !ok {
			return fmt.Errorf("unexpected order payload %T", u.payload)
		}
		return trading.NewDatabase(w.db).SaveOrder(&rec)
	case types.EventPositionUpdate:
		pos, ok := u.payload.(types.Position)
		if !ok {
			return fmt.Errorf("unexpected position payload %T", u.payload)
		}
		return portfolio.NewDatabase(w.db).SavePosition(&pos)
	case types.EventExecution:
		rec, ok := u.payload.(types.ExecutionRecord)
		if !ok {
			return fmt.Errorf("unexpected execution payload %T", u.payload)
		}
		return w.storeExecution(rec)
	default:
		// nothing to store for other kinds
		return nil
	}
}

// storeExecution commits the journal row, the effects and the processed id
// together. If any part fails none of it is visible, so a redelivered
// execution after a restart is applied again against the restored state.
func (w *Writer) storeExecution(rec types.ExecutionRecord) error {
	return w.db.Transaction(func(tx *gorm.DB) error {
		orders := trading.NewDatabase(tx)
		for i := range rec.Orders {
			order := rec.Orders[i]
			if err := orders.SaveOrder(&order); err != nil {
				return fmt.Errorf("order %s: %w", order.ClientOrderID, err)
			}
		}
		if rec.Position != nil {
			pos := *rec.Position
			if err := portfolio.NewDatabase(tx).SavePosition(&pos); err != nil {
				return fmt.Errorf("position %s: %w", pos.Symbol, err)
			}
		}
		if err := orders.SaveExecution(&rec); err != nil {
			return fmt.Errorf("execution %s: %w", rec.ExecutionID, err)
		}
		if rec.ReconcileStatus != types.ReconcileAccepted || w.processed == nil {
			return nil
		}
		return w.processed.Persist(tx, rec.ExecutionID)
	})
}
