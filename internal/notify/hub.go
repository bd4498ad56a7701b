// Package notify delivers outbound events to the connections bound to a session identity.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
)

// Notifier is the delivery capability the core depends on. Every call targets
// exactly one identity and never blocks on a slow connection.
type Notifier interface {
	DeliverResponse(identity string, resp protocol.Response)
	DeliverInterjection(identity string, kind protocol.InterjectionKind, message string)
}

const defaultQueueSize = 256

// Hub fans events out to the subscribers of one identity. A single identity
// may have several live connections; each gets its own queue.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan any
	nextSubID   int
	queueSize   int
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func NewHub(metrics *observability.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[int]chan any),
		queueSize:   defaultQueueSize,
		metrics:     metrics,
		logger:      logging.OrNop(logger).Named("notify"),
	}
}

// Subscribe binds a new connection queue to identity. The returned cancel
// closes the queue; remaining reports how many connections are still bound.
func (h *Hub) Subscribe(identity string) (<-chan any, func() (remaining int)) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		ch := make(chan any)
		close(ch)
		return ch, func() int { return 0 }
	}

	ch := make(chan any, h.queueSize)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[identity]; !ok {
		h.subscribers[identity] = make(map[int]chan any)
	}
	h.subscribers[identity][id] = ch
	h.mu.Unlock()

	var once sync.Once
	remaining := 0
	return ch, func() int {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[identity]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			remaining = len(subs)
			if remaining == 0 {
				delete(h.subscribers, identity)
			}
		})
		return remaining
	}
}

// Connections reports how many connections are bound to identity.
func (h *Hub) Connections(identity string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[identity])
}

func (h *Hub) DeliverResponse(identity string, resp protocol.Response) {
	resp.Type = protocol.TypeResponse
	resp.SessionID = identity
	h.publish(identity, resp)
}

func (h *Hub) DeliverInterjection(identity string, kind protocol.InterjectionKind, message string) {
	h.publish(identity, protocol.Interjection{
		Type:      protocol.TypeInterjection,
		SessionID: identity,
		Kind:      kind,
		Message:   message,
	})
}

// Broadcast sends msg to every connection. Only the heartbeat uses it.
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for identity, subs := range h.subscribers {
		h.sendLocked(identity, subs, msg)
	}
}

// RunHeartbeat broadcasts a time event every interval until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Broadcast(protocol.Time{Type: protocol.TypeTime, Time: now.Format("15:04:05 MST")})
		}
	}
}

func (h *Hub) publish(identity string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[identity]
	if len(subs) == 0 {
		t, _ := protocol.TypeOf(msg)
		h.metrics.ObserveOutboundMessage(string(t), "no_subscriber")
		return
	}
	h.sendLocked(identity, subs, msg)
}

func (h *Hub) sendLocked(identity string, subs map[int]chan any, msg any) {
	t, _ := protocol.TypeOf(msg)
	for _, ch := range subs {
		select {
		case ch <- msg:
			h.metrics.ObserveOutboundMessage(string(t), "queued")
		default:
			h.metrics.ObserveOutboundMessage(string(t), "drop_full")
			h.logger.Warn("outbound queue full, dropping message",
				zap.String("session_id", identity),
				zap.String("type", string(t)))
		}
	}
}
