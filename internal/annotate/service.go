package annotate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/notify"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

// Service maps transport events (connect, request, end, disconnect) onto the
// registry and pipeline, and emits the welcome and goodbye interjections.
type Service struct {
	// mu makes the connection count and the register/end decision one step,
	// so a connection joining as the last one leaves cannot be ended under it.
	mu    sync.Mutex
	conns map[string]int

	sessions *session.Manager
	pipeline *Pipeline
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewService(sessions *session.Manager, pipeline *Pipeline, notifier notify.Notifier, metrics *observability.Metrics, logger *zap.Logger) *Service {
	return &Service{
		conns:    make(map[string]int),
		sessions: sessions,
		pipeline: pipeline,
		notifier: notifier,
		metrics:  metrics,
		logger:   logging.OrNop(logger).Named("lifecycle"),
	}
}

// Connect binds one more connection to identity and registers it. The welcome
// interjection goes out only when a new session was created, never on a
// duplicate connection. Every Connect must be paired with one Disconnect.
func (s *Service) Connect(identity string, md session.Metadata) (*session.Session, bool) {
	s.mu.Lock()
	s.conns[identity]++
	sess, isNew := s.sessions.Register(identity, md)
	s.mu.Unlock()

	if !isNew {
		s.metrics.ObserveSessionEvent("reconnected")
		s.logger.Debug("duplicate connect joined live session", zap.String("session_id", identity))
		return sess, false
	}

	s.metrics.ObserveSessionEvent("created")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.logger.Info("session created",
		zap.String("session_id", identity),
		zap.String("user_id", md.User.ID),
		zap.String("chat_id", md.Chat.ID))
	s.interject(identity, protocol.KindWelcome, welcomeMessage(md, sess.Threshold))
	return sess, true
}

func (s *Service) Request(ctx context.Context, identity string, req Request) (Response, error) {
	return s.pipeline.Process(ctx, identity, req)
}

// Connections reports how many connections are bound to identity.
func (s *Service) Connections(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[identity]
}

// End ends the session on an explicit client request. The goodbye goes out
// only on the transition, so a repeated end is silent.
func (s *Service) End(identity string) bool {
	sess, ended := s.sessions.End(identity)
	if !ended {
		return false
	}
	s.metrics.ObserveSessionEvent("ended")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.logger.Info("session ended",
		zap.String("session_id", identity),
		zap.Int("records", len(sess.History)),
		zap.Int("threshold", sess.Threshold))
	s.interject(identity, protocol.KindGoodbye, goodbyeMessage(sess))
	return true
}

// Disconnect releases a connection taken by Connect and ends the session once
// the last one is gone. No goodbye is sent since nobody is left to receive it.
func (s *Service) Disconnect(identity string) {
	s.mu.Lock()
	remaining := s.conns[identity] - 1
	if remaining > 0 {
		s.conns[identity] = remaining
		s.mu.Unlock()
		return
	}
	delete(s.conns, identity)
	_, ended := s.sessions.End(identity)
	s.mu.Unlock()

	if !ended {
		return
	}
	s.metrics.ObserveSessionEvent("disconnected")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.logger.Info("session ended by disconnect", zap.String("session_id", identity))
}

func (s *Service) interject(identity string, kind protocol.InterjectionKind, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.DeliverInterjection(identity, kind, message)
	s.metrics.ObserveInterjection(string(kind))
}

func welcomeMessage(md session.Metadata, threshold int) string {
	name := strings.TrimSpace(md.User.Name)
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s! I'll let you know once %d of your messages contain emoji.", name, threshold)
}

func goodbyeMessage(sess *session.Session) string {
	if sess.Escalations == 0 {
		return "Goodbye!"
	}
	return fmt.Sprintf("Goodbye! You reached %d emoji milestones.", sess.Escalations)
}
