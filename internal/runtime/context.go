package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
	"github.com/quantfold/tradeflow/internal/steps"
)

// Notifier is the harness's side channel for operator alerts. The delivery
// transport (pushover, mail, webhook) is an external collaborator; wiring may
// leave this nil.
type Notifier interface {
	StepFailed(ctx context.Context, step *domain.Step, kind domain.ErrorKind, msg string)
	StepCompleted(ctx context.Context, step *domain.Step)
}

// Observer receives state-transition and scheduling events for logging and
// metrics. Must not block.
type Observer interface {
	OnTransition(step *domain.Step, from, to domain.StepState, note string)
}

/*
Context is the execution handle for a single claimed step. It wraps the step
row, the store, and the only sanctioned ways to read arguments or create
follow-up steps. Job bodies never touch the steps table directly.
*/
type Context struct {
	Ctx      context.Context
	Store    steps.Store
	Step     *domain.Step
	Registry *Registry
	Log      *logger.Logger
	payload  map[string]any
}

func NewContext(ctx context.Context, store steps.Store, step *domain.Step, registry *Registry, log *logger.Logger) *Context {
	c := &Context{
		Ctx:      ctx,
		Store:    store,
		Step:     step,
		Registry: registry,
		Log:      log,
	}
	_ = c.decodeArguments()
	return c
}

func (c *Context) decodeArguments() error {
	if c.Step == nil || len(c.Step.Arguments) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Step.Arguments, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) DBC() dbctx.Context {
	return dbctx.Context{Ctx: c.Ctx}
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	s := c.PayloadString(key)
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *Context) PayloadInt(key string) (int, bool) {
	v, ok := c.Payload()[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// CreateSteps persists new step rows. Orchestrator bodies and lifecycles use
// this for fan-out; arguments are marshalled per row before the call.
func (c *Context) CreateSteps(rows []*domain.Step) ([]*domain.Step, error) {
	return c.Store.Create(c.DBC(), rows)
}

// Reload fetches the current row state. Used by the harness before acting on
// results, so operator cancellation wins races against late writers.
func (c *Context) Reload() (*domain.Step, error) {
	if c.Step == nil {
		return nil, nil
	}
	return c.Store.GetByID(c.DBC(), c.Step.ID)
}

// MarshalArgs is a convenience for building child step arguments.
func MarshalArgs(args map[string]any) []byte {
	if args == nil {
		args = map[string]any{}
	}
	b, _ := json.Marshal(args)
	return b
}
