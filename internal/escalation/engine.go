package escalation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/notify"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

type Config struct {
	Increment int
	Interval  time.Duration
}

// Ticker abstracts time.Ticker so ticks can be driven by tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Interjection is an escalation fired for one session during a tick.
type Interjection struct {
	SessionID string
	Epoch     uint64
	Milestone
}

// Report describes one tick. Fired holds the committed milestones; Delivered
// drops those whose session ended before the interjection went out.
type Report struct {
	Scanned   int
	Fired     []Interjection
	Delivered []Interjection
	Faults    []session.Fault
}

type Engine struct {
	sessions  *session.Manager
	notifier  notify.Notifier
	increment int
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	escalate  func(threshold, matches, positives, increment int) (Outcome, error)
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func New(cfg Config, sessions *session.Manager, notifier notify.Notifier, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if cfg.Increment < 1 {
		cfg.Increment = 2
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Engine{
		sessions:  sessions,
		notifier:  notifier,
		increment: cfg.Increment,
		interval:  cfg.Interval,
		newTicker: NewRealTicker,
		escalate:  Escalate,
		metrics:   metrics,
		logger:    logging.OrNop(logger).Named("escalation"),
	}
}

func (e *Engine) SetTickerFactory(f func(time.Duration) Ticker) {
	e.newTicker = f
}

// Run ticks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.newTicker(e.interval)
	defer ticker.Stop()
	e.logger.Info("threshold engine started",
		zap.Duration("interval", e.interval),
		zap.Int("increment", e.increment))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("threshold engine stopped")
			return nil
		case <-ticker.C():
			e.Tick(ctx)
		}
	}
}

// Tick scans every live session once. Interjections go out after the scan
// has committed, outside the registry lock.
func (e *Engine) Tick(ctx context.Context) Report {
	if ctx.Err() != nil {
		return Report{}
	}
	start := time.Now()
	pending := make(map[string][]Interjection)

	scanned, faults := e.sessions.Scan(func(s *session.Session, fresh []session.Record) error {
		positives := 0
		for _, r := range fresh {
			if r.Result {
				positives++
			}
		}
		out, err := e.escalate(s.Threshold, s.MatchesSinceEscalation, positives, e.increment)
		if err != nil {
			return err
		}
		s.Threshold = out.Threshold
		s.MatchesSinceEscalation = out.Matches
		s.Escalations += len(out.Milestones)
		batch := make([]Interjection, 0, len(out.Milestones))
		for _, m := range out.Milestones {
			batch = append(batch, Interjection{SessionID: s.ID, Epoch: s.Epoch, Milestone: m})
		}
		pending[s.ID] = batch
		return nil
	})

	// Milestones of a session whose commit was rejected never fire.
	for _, f := range faults {
		delete(pending, f.SessionID)
	}
	var fired []Interjection
	for _, id := range sortedKeys(pending) {
		fired = append(fired, pending[id]...)
	}

	for _, f := range faults {
		e.logger.Warn("threshold scan fault",
			zap.String("session_id", f.SessionID),
			zap.Error(f.Err))
	}

	delivered := fired[:0:0]
	for _, in := range fired {
		if e.deliver(in) {
			delivered = append(delivered, in)
		}
	}

	e.metrics.ObserveTick(time.Since(start), len(faults))
	if len(fired) > 0 {
		e.logger.Debug("threshold tick",
			zap.Int("scanned", scanned),
			zap.Int("fired", len(fired)),
			zap.Int("delivered", len(delivered)),
			zap.Int("faults", len(faults)))
	}
	return Report{Scanned: scanned, Fired: fired, Delivered: delivered, Faults: faults}
}

// deliver sends in only while its session is still live, so an interjection
// can never follow the goodbye sent by End.
func (e *Engine) deliver(in Interjection) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("interjection delivery panic",
				zap.String("session_id", in.SessionID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	return e.sessions.IfActive(in.SessionID, in.Epoch, func() {
		e.notifier.DeliverInterjection(in.SessionID, protocol.KindEscalation, Message(in.Milestone))
		e.metrics.ObserveInterjection(string(protocol.KindEscalation))
	})
}

func sortedKeys(m map[string][]Interjection) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
