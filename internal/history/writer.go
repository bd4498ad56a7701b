package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

const (
	defaultWriterQueue = 1024
	saveTimeout        = 2 * time.Second
)

type pending struct {
	sessionID string
	record    session.Record
}

// Writer drains audited records into a Store off the request path. Enqueue
// never blocks; records are dropped and counted when the queue is full.
type Writer struct {
	store   Store
	queue   chan pending
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewWriter(store Store, metrics *observability.Metrics, logger *zap.Logger) *Writer {
	return &Writer{
		store:   store,
		queue:   make(chan pending, defaultWriterQueue),
		metrics: metrics,
		logger:  logging.OrNop(logger).Named("history"),
	}
}

func (w *Writer) Enqueue(sessionID string, record session.Record) {
	select {
	case w.queue <- pending{sessionID: sessionID, record: record}:
	default:
		w.metrics.ObserveHistoryError("drop_full")
	}
}

// Run saves queued records until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case p := <-w.queue:
			w.save(p)
		}
	}
}

func (w *Writer) flush() {
	for {
		select {
		case p := <-w.queue:
			w.save(p)
		default:
			return
		}
	}
}

func (w *Writer) save(p pending) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := w.store.SaveRecord(ctx, p.sessionID, p.record); err != nil {
		w.metrics.ObserveHistoryError("save")
		w.logger.Warn("history save failed",
			zap.String("session_id", p.sessionID),
			zap.Int("seq", p.record.Seq),
			zap.Error(err))
	}
}
