package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(observability.NewMetrics(fmt.Sprintf("notify_test_%d", time.Now().UnixNano())), nil)
}

func TestHubDeliversOnlyToTargetIdentity(t *testing.T) {
	h := newTestHub(t)
	a, cancelA := h.Subscribe("a")
	defer cancelA()
	b, cancelB := h.Subscribe("b")
	defer cancelB()

	h.DeliverResponse("a", protocol.Response{Value: "x", Result: true})
	h.DeliverInterjection("a", protocol.KindEscalation, "hello a")

	if got := len(a); got != 2 {
		t.Fatalf("len(a) = %d, want 2", got)
	}
	if got := len(b); got != 0 {
		t.Fatalf("len(b) = %d, want 0 (no cross-session delivery)", got)
	}

	resp, ok := (<-a).(protocol.Response)
	if !ok {
		t.Fatalf("first message is not a Response")
	}
	if resp.Type != protocol.TypeResponse || resp.SessionID != "a" || !resp.Result {
		t.Fatalf("unexpected response: %+v", resp)
	}
	inter, ok := (<-a).(protocol.Interjection)
	if !ok || inter.Message != "hello a" || inter.Kind != protocol.KindEscalation {
		t.Fatalf("unexpected interjection: %+v", inter)
	}
}

func TestHubFansOutToEveryConnectionOfIdentity(t *testing.T) {
	h := newTestHub(t)
	c1, cancel1 := h.Subscribe("a")
	c2, cancel2 := h.Subscribe("a")

	h.DeliverInterjection("a", protocol.KindWelcome, "hi")
	if len(c1) != 1 || len(c2) != 1 {
		t.Fatalf("queue lens = %d/%d, want 1/1", len(c1), len(c2))
	}

	if remaining := cancel1(); remaining != 1 {
		t.Fatalf("cancel1() remaining = %d, want 1", remaining)
	}
	if remaining := cancel1(); remaining != 1 {
		t.Fatalf("repeated cancel1() remaining = %d, want 1", remaining)
	}
	if remaining := cancel2(); remaining != 0 {
		t.Fatalf("cancel2() remaining = %d, want 0", remaining)
	}
	if h.Connections("a") != 0 {
		t.Fatalf("Connections(a) = %d, want 0", h.Connections("a"))
	}
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	h := newTestHub(t)
	h.queueSize = 1
	ch, cancel := h.Subscribe("a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.DeliverInterjection("a", protocol.KindEscalation, "one")
		h.DeliverInterjection("a", protocol.KindEscalation, "two")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("delivery blocked on a full queue")
	}
	if len(ch) != 1 {
		t.Fatalf("len(ch) = %d, want 1", len(ch))
	}
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	h := newTestHub(t)
	a, cancelA := h.Subscribe("a")
	defer cancelA()
	b, cancelB := h.Subscribe("b")
	defer cancelB()

	h.Broadcast(protocol.Time{Type: protocol.TypeTime, Time: "12:00:00 UTC"})
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("broadcast lens = %d/%d, want 1/1", len(a), len(b))
	}
}

func TestHubHeartbeatStopsWithContext(t *testing.T) {
	h := newTestHub(t)
	ch, cancelSub := h.Subscribe("a")
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.RunHeartbeat(ctx, 5*time.Millisecond)
	}()

	select {
	case msg := <-ch:
		if _, ok := msg.(protocol.Time); !ok {
			t.Fatalf("heartbeat message = %T, want protocol.Time", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no heartbeat received")
	}
	cancel()
	<-done
}

func TestSubscribeEmptyIdentityIsClosed(t *testing.T) {
	h := newTestHub(t)
	ch, cancel := h.Subscribe("  ")
	if _, ok := <-ch; ok {
		t.Fatalf("empty identity channel should be closed")
	}
	if cancel() != 0 {
		t.Fatalf("cancel() on empty identity != 0")
	}
}
