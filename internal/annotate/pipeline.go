// Package annotate classifies inbound text for a session and owns the
// connect/request/end event glue around the session registry.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/classify"
	"github.com/ent0n29/emoji-analysis/internal/logging"
	"github.com/ent0n29/emoji-analysis/internal/notify"
	"github.com/ent0n29/emoji-analysis/internal/observability"
	"github.com/ent0n29/emoji-analysis/internal/protocol"
	"github.com/ent0n29/emoji-analysis/internal/session"
)

var (
	// ErrRejected means the session is absent or ended; the request is dropped.
	ErrRejected = errors.New("request rejected: session absent or ended")
	// ErrClassifier wraps a classifier failure for a single request.
	ErrClassifier = errors.New("classifier failed")
)

type Request struct {
	Value       string
	Key         string
	Annotations []session.Annotation
}

type Response struct {
	Identity    string
	Value       string
	Result      bool
	Key         string
	Annotations []session.Annotation
}

// Auditor receives every appended record. It must not block.
type Auditor interface {
	Enqueue(sessionID string, record session.Record)
}

type Pipeline struct {
	sessions   *session.Manager
	classifier classify.Classifier
	notifier   notify.Notifier
	audit      Auditor
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func NewPipeline(sessions *session.Manager, classifier classify.Classifier, notifier notify.Notifier, audit Auditor, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	if classifier == nil {
		classifier = classify.Emoji
	}
	return &Pipeline{
		sessions:   sessions,
		classifier: classifier,
		notifier:   notifier,
		audit:      audit,
		metrics:    metrics,
		logger:     logging.OrNop(logger).Named("annotate"),
	}
}

// Process classifies req for identity, appends the result to the session's
// history and delivers the response to that identity only. Requests for the
// same identity are processed one at a time in arrival order.
func (p *Pipeline) Process(ctx context.Context, identity string, req Request) (Response, error) {
	lease, err := p.sessions.Accept(ctx, identity)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrEnded) {
			p.metrics.ObserveClassification("rejected", 0)
			return Response{}, ErrRejected
		}
		return Response{}, err
	}
	defer lease.Release()

	start := time.Now()
	result, err := p.classifier.Classify(ctx, req.Value)
	if err != nil {
		p.metrics.ObserveClassification("error", time.Since(start))
		p.logger.Warn("classifier failed",
			zap.String("session_id", identity),
			zap.Error(err))
		return Response{}, fmt.Errorf("%w: %v", ErrClassifier, err)
	}
	p.metrics.ObserveClassification(outcomeLabel(result), time.Since(start))

	rec := lease.Append(session.Record{
		Value:       req.Value,
		Result:      result,
		Key:         req.Key,
		Annotations: req.Annotations,
	})

	resp := Response{
		Identity:    identity,
		Value:       req.Value,
		Result:      result,
		Key:         req.Key,
		Annotations: req.Annotations,
	}
	if p.notifier != nil {
		p.notifier.DeliverResponse(identity, protocol.Response{
			Value:       resp.Value,
			Result:      resp.Result,
			Key:         resp.Key,
			Annotations: resp.Annotations,
		})
	}
	if p.audit != nil {
		p.audit.Enqueue(identity, rec)
	}
	return resp, nil
}

func outcomeLabel(result bool) string {
	if result {
		return "match"
	}
	return "no_match"
}
