package observability

import (
	"time"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

// LogObserver writes every step transition and throttle wait to the
// structured log. It satisfies runtime.Observer and throttler.WaitObserver.
type LogObserver struct {
	log *logger.Logger
}

func NewLogObserver(baseLog *logger.Logger) *LogObserver {
	return &LogObserver{log: baseLog.With("component", "Observer")}
}

func (o *LogObserver) OnTransition(step *domain.Step, from, to domain.StepState, note string) {
	fields := []any{
		"step_id", step.ID,
		"class", step.Class,
		"block", step.BlockUUID,
		"from", from,
		"to", to,
		"attempts", step.Attempts,
	}
	if step.WorkflowID != nil {
		fields = append(fields, "workflow", step.WorkflowID)
	}
	if note != "" {
		fields = append(fields, "note", note)
	}
	switch to {
	case domain.StepFailed:
		o.log.Warn("Step transition", fields...)
	case domain.StepRetrying:
		o.log.Info("Step transition", fields...)
	default:
		o.log.Debug("Step transition", fields...)
	}
}

func (o *LogObserver) OnThrottleWait(canonical, bucket string, wait time.Duration) {
	// Sub-100ms waits are routine and would flood the log at info.
	if wait >= 100*time.Millisecond {
		o.log.Info("Throttle wait", "canonical", canonical, "bucket", bucket, "wait", wait)
		return
	}
	o.log.Debug("Throttle wait", "canonical", canonical, "bucket", bucket, "wait", wait)
}
