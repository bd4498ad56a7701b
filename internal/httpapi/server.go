package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/annotate"
	"github.com/ent0n29/emoji-analysis/internal/config"
	"github.com/ent0n29/emoji-analysis/internal/history"
	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/notify"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

const (
	readLimit       = 1 << 20
	readTimeout     = 120 * time.Second
	writeTimeout    = 10 * time.Second
	directQueueSize = 16
	maxHistoryLimit = 500
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	service  *annotate.Service
	hub      *notify.Hub
	history  history.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, service *annotate.Service, hub *notify.Hub, store history.Store, metrics *observability.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		service:  service,
		hub:      hub,
		history:  store,
		metrics:  metrics,
		logger:   logging.OrNop(logger).Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/session/ws", s.handleSessionWS)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/session/{id}", s.handleGetSession)
	r.Get("/v1/session/{id}/history", s.handleSessionHistory)
	r.Post("/v1/session/{id}/end", s.handleEndSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"history_store_mode": s.historyMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"active_sessions":    s.sessions.ActiveCount(),
		"tracked_sessions":   s.sessions.Len(),
		"history_store_mode": s.historyMode(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.Live(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history store not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := s.history.Recent(r.Context(), id, limit)
	if err != nil {
		s.metrics.ObserveHistoryError("recent")
		respondError(w, http.StatusServiceUnavailable, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"records":    entries,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if _, ok := s.sessions.Get(id); !ok {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	s.service.End(id)
	sess, _ := s.sessions.Get(id)
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := strings.TrimSpace(q.Get("token"))
	if identity == "" {
		identity = uuid.NewString()
	}
	md := session.Metadata{
		Agent: session.Party{ID: q.Get("agent_id"), Name: q.Get("agent_name")},
		User:  session.Party{ID: q.Get("user_id"), Name: q.Get("user_name")},
		Chat:  session.Party{ID: q.Get("chat_id")},
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before registering so the welcome reaches this connection.
	events, unsubscribe := s.hub.Subscribe(identity)
	s.service.Connect(identity, md)

	direct := make(chan any, directQueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, events, direct)
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendDirect(direct, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: identity,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.Request:
			_, err := s.service.Request(ctx, identity, annotate.Request{
				Value:       msg.Value,
				Key:         msg.Key,
				Annotations: msg.Annotations,
			})
			switch {
			case err == nil, errors.Is(err, annotate.ErrRejected):
				// Requests for an ended session are dropped without a reply.
			case errors.Is(err, annotate.ErrClassifier):
				s.sendDirect(direct, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: identity,
					Code:      "classifier_failed",
					Detail:    err.Error(),
				})
			default:
				s.logger.Debug("request aborted", zap.String("session_id", identity), zap.Error(err))
			}
		case protocol.End:
			s.service.End(identity)
		}
	}

	cancel()
	s.service.Disconnect(identity)
	unsubscribe()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// writeLoop is the only goroutine writing to conn.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan any, direct <-chan any) {
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			msg = m
		case m := <-direct:
			msg = m
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
			cancel()
			// Unblocks the reader.
			_ = conn.Close()
			return
		}
		if t, ok := protocol.TypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
	}
}

func (s *Server) sendDirect(direct chan<- any, msg protocol.ErrorEvent) {
	select {
	case direct <- msg:
		s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
	default:
		s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
	}
}

func (s *Server) historyMode() string {
	if s.history == nil {
		return "disabled"
	}
	return s.history.Mode()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
