package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

func TestWriterFlushesQueuedRecordsOnCancel(t *testing.T) {
	store := NewInMemoryStore(0)
	metrics := observability.NewMetrics(fmt.Sprintf("history_test_%d", time.Now().UnixNano()))
	w := NewWriter(store, metrics, nil)

	for i := 1; i <= 3; i++ {
		w.Enqueue("tok-1", session.Record{ID: fmt.Sprintf("r%d", i), Seq: i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := store.Recent(context.Background(), "tok-1", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 || got[2].Seq != 3 {
		t.Fatalf("Recent() = %+v, want 3 records in order", got)
	}
}

func TestWriterEnqueueDropsWhenFull(t *testing.T) {
	store := NewInMemoryStore(0)
	w := NewWriter(store, nil, nil)
	for i := 0; i < defaultWriterQueue+10; i++ {
		w.Enqueue("tok-1", session.Record{Seq: i})
	}
	if got := len(w.queue); got != defaultWriterQueue {
		t.Fatalf("queue len = %d, want %d", got, defaultWriterQueue)
	}
}
