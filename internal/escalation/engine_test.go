package escalation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ent0n29/emoji-analysis/internal/annotate"
	"github.com/ent0n29/emoji-analysis/internal/classify"
	"github.com/ent0n29/emoji-analysis/internal/notify"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	sessions *session.Manager
	hub      *notify.Hub
	svc      *annotate.Service
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("escalation_test_%d", time.Now().UnixNano()))
	sessions := session.NewManager(2)
	hub := notify.NewHub(metrics, nil)
	pipeline := annotate.NewPipeline(sessions, classify.Emoji, hub, nil, metrics, nil)
	return &fixture{
		sessions: sessions,
		hub:      hub,
		svc:      annotate.NewService(sessions, pipeline, hub, metrics, nil),
		engine:   New(Config{Increment: 2, Interval: time.Second}, sessions, hub, metrics, nil),
	}
}

func (f *fixture) send(t *testing.T, identity string, n int, value string) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.svc.Request(context.Background(), identity, annotate.Request{Value: value}); err != nil {
			t.Fatalf("Request(%q) error = %v", identity, err)
		}
	}
}

func escalations(ch <-chan any) []protocol.Interjection {
	var out []protocol.Interjection
	for {
		select {
		case msg := <-ch:
			if in, ok := msg.(protocol.Interjection); ok && in.Kind == protocol.KindEscalation {
				out = append(out, in)
			}
		default:
			return out
		}
	}
}

func TestEscalate(t *testing.T) {
	cases := []struct {
		name                     string
		threshold, matches, pos  int
		wantThreshold, wantMatch int
		wantFired                int
	}{
		{"below threshold", 2, 0, 1, 2, 1, 0},
		{"exactly threshold", 2, 0, 2, 4, 0, 1},
		{"burst over threshold", 4, 0, 5, 6, 1, 1},
		{"burst over two thresholds", 2, 0, 6, 6, 0, 2},
		{"carry over remainder", 6, 1, 5, 8, 0, 1},
		{"no positives", 4, 3, 0, 4, 3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Escalate(tc.threshold, tc.matches, tc.pos, 2)
			if err != nil {
				t.Fatalf("Escalate() error = %v", err)
			}
			if out.Threshold != tc.wantThreshold || out.Matches != tc.wantMatch || len(out.Milestones) != tc.wantFired {
				t.Fatalf("Escalate() = %+v, want threshold %d matches %d fired %d",
					out, tc.wantThreshold, tc.wantMatch, tc.wantFired)
			}
			if out.Matches >= out.Threshold {
				t.Fatalf("matches %d >= threshold %d after escalation", out.Matches, out.Threshold)
			}
		})
	}
}

func TestEscalateRejectsInvalidInput(t *testing.T) {
	if _, err := Escalate(0, 0, 1, 2); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("Escalate(threshold=0) error = %v, want ErrInvalidThreshold", err)
	}
	if _, err := Escalate(2, 0, 1, 0); !errors.Is(err, ErrInvalidIncrement) {
		t.Fatalf("Escalate(increment=0) error = %v, want ErrInvalidIncrement", err)
	}
}

func TestScenarioFirstMilestoneThenBurst(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("tok-1", session.Metadata{})
	ch, cancel := f.hub.Subscribe("tok-1")
	defer cancel()

	// Two positive matches reach the default threshold of 2.
	f.send(t, "tok-1", 2, "hey \U0001F600")
	report := f.engine.Tick(context.Background())
	if len(report.Fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(report.Fired))
	}
	got := escalations(ch)
	if len(got) != 1 || got[0].Message != "Emoji count reached 2, next threshold 4." {
		t.Fatalf("escalations = %+v, want one 'reached 2, next threshold 4'", got)
	}
	sess, _ := f.sessions.Get("tok-1")
	if sess.Threshold != 4 || sess.MatchesSinceEscalation != 0 {
		t.Fatalf("after first milestone threshold=%d matches=%d, want 4/0", sess.Threshold, sess.MatchesSinceEscalation)
	}

	// Five more positives in one tick window fire once and carry 1 over.
	f.send(t, "tok-1", 5, "again \U0001F389")
	f.engine.Tick(context.Background())
	got = escalations(ch)
	if len(got) != 1 || got[0].Message != "Emoji count reached 4, next threshold 6." {
		t.Fatalf("escalations = %+v, want one 'reached 4, next threshold 6'", got)
	}
	sess, _ = f.sessions.Get("tok-1")
	if sess.Threshold != 6 || sess.MatchesSinceEscalation != 1 {
		t.Fatalf("after burst threshold=%d matches=%d, want 6/1", sess.Threshold, sess.MatchesSinceEscalation)
	}

	// A quiet tick fires nothing.
	f.engine.Tick(context.Background())
	if got := escalations(ch); len(got) != 0 {
		t.Fatalf("quiet tick fired %d escalations", len(got))
	}
}

func TestNonMatchingRequestsNeverEscalate(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("tok-1", session.Metadata{})
	f.send(t, "tok-1", 10, "plain words")

	report := f.engine.Tick(context.Background())
	if len(report.Fired) != 0 {
		t.Fatalf("fired = %d, want 0", len(report.Fired))
	}
	sess, _ := f.sessions.Get("tok-1")
	if sess.MatchesSinceEscalation != 0 || sess.Threshold != 2 {
		t.Fatalf("state = matches %d threshold %d, want 0/2", sess.MatchesSinceEscalation, sess.Threshold)
	}
}

func TestEndedSessionGetsNoLateInterjection(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("tok-1", session.Metadata{})
	ch, cancel := f.hub.Subscribe("tok-1")
	defer cancel()

	f.send(t, "tok-1", 3, "\U0001F600")
	f.svc.End("tok-1")
	if _, err := f.svc.Request(context.Background(), "tok-1", annotate.Request{Value: "\U0001F600"}); !errors.Is(err, annotate.ErrRejected) {
		t.Fatalf("Request() after end error = %v, want ErrRejected", err)
	}

	report := f.engine.Tick(context.Background())
	if report.Scanned != 0 || len(report.Fired) != 0 {
		t.Fatalf("report = %+v, want nothing scanned or fired", report)
	}
	if got := escalations(ch); len(got) != 0 {
		t.Fatalf("ended session received %d escalations", len(got))
	}
}

func TestThresholdInvariantsAcrossManyTicks(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("a", session.Metadata{})
	f.svc.Connect("b", session.Metadata{})

	prev := map[string]int{"a": 2, "b": 2}
	for round := 0; round < 20; round++ {
		f.send(t, "a", round%4, "\U0001F600")
		f.send(t, "b", (round*7)%5, "\U0001F680 go")
		f.send(t, "b", 1, "plain")
		f.engine.Tick(context.Background())

		for _, s := range f.sessions.Live() {
			if s.Threshold < prev[s.ID] {
				t.Fatalf("round %d: %s threshold decreased %d -> %d", round, s.ID, prev[s.ID], s.Threshold)
			}
			if s.MatchesSinceEscalation >= s.Threshold {
				t.Fatalf("round %d: %s matches %d >= threshold %d", round, s.ID, s.MatchesSinceEscalation, s.Threshold)
			}
			prev[s.ID] = s.Threshold
		}
	}
}

func TestRunDrivesTicksFromInjectedTicker(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("tok-1", session.Metadata{})
	ch, cancel := f.hub.Subscribe("tok-1")
	defer cancel()
	f.send(t, "tok-1", 2, "\U0001F600")

	ticks := make(chan time.Time)
	f.engine.SetTickerFactory(func(time.Duration) Ticker { return manualTicker{c: ticks} })

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	ticks <- time.Now()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-ch:
			if in, ok := msg.(protocol.Interjection); ok && in.Kind == protocol.KindEscalation {
				stop()
				if err := <-done; err != nil {
					t.Fatalf("Run() error = %v", err)
				}
				return
			}
		case <-deadline:
			stop()
			<-done
			t.Fatalf("no escalation after manual tick")
		}
	}
}

func TestTickAfterCancelDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("tok-1", session.Metadata{})
	f.send(t, "tok-1", 2, "\U0001F600")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if report := f.engine.Tick(ctx); report.Scanned != 0 {
		t.Fatalf("Tick() after cancel scanned %d sessions", report.Scanned)
	}
	sess, _ := f.sessions.Get("tok-1")
	if sess.Threshold != 2 {
		t.Fatalf("threshold = %d, want untouched 2", sess.Threshold)
	}
}

type panickyNotifier struct{ notify.Notifier }

func (panickyNotifier) DeliverInterjection(identity string, _ protocol.InterjectionKind, _ string) {
	if identity == "a" {
		panic("socket gone")
	}
}

func TestDeliveryPanicDoesNotStopOtherSessions(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("a", session.Metadata{})
	f.svc.Connect("b", session.Metadata{})
	f.send(t, "a", 2, "\U0001F600")
	f.send(t, "b", 2, "\U0001F600")

	f.engine.notifier = panickyNotifier{}
	report := f.engine.Tick(context.Background())
	if len(report.Fired) != 2 {
		t.Fatalf("fired = %d, want 2", len(report.Fired))
	}
	b, _ := f.sessions.Get("b")
	if b.Threshold != 4 {
		t.Fatalf("b threshold = %d, want 4", b.Threshold)
	}
}

type manualTicker struct{ c chan time.Time }

func (m manualTicker) C() <-chan time.Time { return m.c }
func (m manualTicker) Stop()               {}

// endingNotifier forwards to the hub and runs onEscalation after each
// escalation it delivers.
type endingNotifier struct {
	notify.Notifier
	onEscalation func(identity string)
}

func (n *endingNotifier) DeliverInterjection(identity string, kind protocol.InterjectionKind, message string) {
	n.Notifier.DeliverInterjection(identity, kind, message)
	if kind == protocol.KindEscalation && n.onEscalation != nil {
		n.onEscalation(identity)
	}
}

func kinds(ch <-chan any) []protocol.InterjectionKind {
	var out []protocol.InterjectionKind
	for {
		select {
		case msg := <-ch:
			if in, ok := msg.(protocol.Interjection); ok {
				out = append(out, in.Kind)
			}
		default:
			return out
		}
	}
}

func TestNoEscalationAfterGoodbyeWhenEndedMidDelivery(t *testing.T) {
	f := newFixture(t)
	b, cancelB := f.hub.Subscribe("b")
	defer cancelB()
	f.svc.Connect("a", session.Metadata{})
	f.svc.Connect("b", session.Metadata{})
	f.send(t, "a", 2, "\U0001F600")
	f.send(t, "b", 2, "\U0001F600")

	f.engine.notifier = &endingNotifier{
		Notifier: f.hub,
		onEscalation: func(identity string) {
			if identity == "a" {
				f.svc.End("b")
			}
		},
	}
	report := f.engine.Tick(context.Background())

	if len(report.Fired) != 2 {
		t.Fatalf("fired = %d, want 2", len(report.Fired))
	}
	if len(report.Delivered) != 1 || report.Delivered[0].SessionID != "a" {
		t.Fatalf("delivered = %+v, want only a", report.Delivered)
	}
	got := kinds(b)
	want := []protocol.InterjectionKind{protocol.KindWelcome, protocol.KindGoodbye}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("b interjections = %v, want %v", got, want)
	}
}

func TestRejectedCommitFiresNothing(t *testing.T) {
	f := newFixture(t)
	f.svc.Connect("tok-1", session.Metadata{})
	ch, cancel := f.hub.Subscribe("tok-1")
	defer cancel()
	f.send(t, "tok-1", 2, "\U0001F600")

	f.engine.escalate = func(threshold, matches, positives, increment int) (Outcome, error) {
		return Outcome{
			Threshold:  threshold - 1,
			Milestones: []Milestone{{Reached: threshold, Next: threshold - 1}},
		}, nil
	}
	report := f.engine.Tick(context.Background())

	if len(report.Faults) != 1 || !errors.Is(report.Faults[0].Err, session.ErrThresholdDecrease) {
		t.Fatalf("faults = %+v, want one ErrThresholdDecrease", report.Faults)
	}
	if len(report.Fired) != 0 || len(report.Delivered) != 0 {
		t.Fatalf("report = %+v, want nothing fired", report)
	}
	if got := escalations(ch); len(got) != 0 {
		t.Fatalf("received %d escalations from a rejected commit", len(got))
	}
	sess, _ := f.sessions.Get("tok-1")
	if sess.Threshold != 2 || sess.Escalations != 0 {
		t.Fatalf("threshold=%d escalations=%d, want untouched 2/0", sess.Threshold, sess.Escalations)
	}

	// With the real rule restored the same records escalate on the next tick.
	f.engine.escalate = Escalate
	if report := f.engine.Tick(context.Background()); len(report.Delivered) != 1 {
		t.Fatalf("retry delivered = %d, want 1", len(report.Delivered))
	}
}
