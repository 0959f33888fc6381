// Package notify carries operator alerts out of the harness. Delivery
// transports (pushover, mail, webhooks) are external collaborators behind
// the Sender interface; this package owns only the throttle that collapses
// failure storms into one alert per window.
package notify

import (
	"context"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

// Sender delivers one alert. External collaborator.
type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

// Service implements runtime.Notifier: classifies the alert context, asks
// the gate, and forwards to the sender. Completed steps are logged only.
type Service struct {
	log    *logger.Logger
	gate   *AlertGate
	sender Sender
}

func NewService(baseLog *logger.Logger, gate *AlertGate, sender Sender) *Service {
	return &Service{
		log:    baseLog.With("component", "Notifier"),
		gate:   gate,
		sender: sender,
	}
}

func (s *Service) StepFailed(ctx context.Context, step *domain.Step, kind domain.ErrorKind, msg string) {
	ctxKey := ContextKey(step)
	s.log.Warn("Step failed", "step_id", step.ID, "class", step.Class, "kind", kind, "error", msg, "context", ctxKey)
	if s.sender == nil {
		return
	}
	if s.gate != nil {
		ok, err := s.gate.Allow(ctx, "step_failed", ctxKey)
		if err != nil {
			s.log.Warn("Alert gate error, sending anyway", "error", err)
		} else if !ok {
			return
		}
	}
	subject := "step failed: " + step.Class
	if err := s.sender.Send(ctx, subject, msg); err != nil {
		s.log.Warn("Alert delivery failed", "error", err)
	}
}

func (s *Service) StepCompleted(_ context.Context, step *domain.Step) {
	s.log.Debug("Step completed", "step_id", step.ID, "class", step.Class)
}

// ContextKey picks the throttle context for a step from its relatable
// pointer: per-account, per-symbol, else per-class.
func ContextKey(step *domain.Step) string {
	if step.RelatableID != nil {
		switch step.RelatableType {
		case domain.RelatableAccount:
			return "account:" + step.RelatableID.String()
		case domain.RelatableSymbol, domain.RelatableExchangeSymbol:
			return "symbol:" + step.RelatableID.String()
		case domain.RelatablePosition:
			return "position:" + step.RelatableID.String()
		}
	}
	return "class:" + step.Class
}
