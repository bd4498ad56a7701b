// Package app wires the annotation service components together.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/annotate"
	"github.com/ent0n29/emoji-analysis/internal/classify"
	"github.com/ent0n29/emoji-analysis/internal/config"
	"github.com/ent0n29/emoji-analysis/internal/escalation"
	"github.com/ent0n29/emoji-analysis/internal/history"
	"github.com/ent0n29/emoji-analysis/internal/httpapi"
	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/notify"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Service  *annotate.Service
	Hub      *notify.Hub
	Engine   *escalation.Engine
	History  history.Store
	Writer   *history.Writer
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	// Cleanup should be called on shutdown to release the history store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, history.Config{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		MaxPerSession: cfg.HistoryMaxPerSession,
		RedisTTL:      cfg.SessionRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}
	writer := history.NewWriter(store, metrics, logger)

	sessions := session.NewManager(cfg.DefaultThreshold)
	sessions.SetInactivityTimeout(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	sessions.SetHistoryLimit(cfg.HistoryMaxPerSession)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("session expired after inactivity", zap.String("session_id", s.ID))
	})

	hub := notify.NewHub(metrics, logger)
	pipeline := annotate.NewPipeline(sessions, classify.Emoji, hub, writer, metrics, logger)
	service := annotate.NewService(sessions, pipeline, hub, metrics, logger)
	engine := escalation.New(escalation.Config{
		Increment: cfg.EscalationIncrement,
		Interval:  cfg.TickInterval,
	}, sessions, hub, metrics, logger)

	api := httpapi.New(cfg, sessions, service, hub, store, metrics, logger)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Service:  service,
		Hub:      hub,
		Engine:   engine,
		History:  store,
		Writer:   writer,
		Metrics:  metrics,
		Logger:   logger,
		Cleanup:  store.Close,
	}, nil
}
