package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
	"github.com/quantfold/tradeflow/internal/steps"
)

// Throttle gates outbound API calls. Satisfied by throttler.Registry.
type Throttle interface {
	Acquire(ctx context.Context, canonical, signature, accountKey string) error
}

// Harness runs a claimed step through its phases in order:
// Guard -> AssignExceptionHandler -> Compute/ComputeApiable -> DoubleCheck ->
// Complete. Every fault is classified into the taxonomy and written back as a
// single guarded transition.
type Harness struct {
	Store    steps.Store
	Registry *Registry
	Throttle Throttle
	Notify   Notifier
	Observer Observer
	Log      *logger.Logger

	StepTimeout time.Duration // default 120s
	BackoffCap  time.Duration // default 120s

	now func() time.Time
}

func NewHarness(store steps.Store, registry *Registry, throttle Throttle, log *logger.Logger) *Harness {
	return &Harness{
		Store:       store,
		Registry:    registry,
		Throttle:    throttle,
		Log:         log.With("component", "Harness"),
		StepTimeout: 120 * time.Second,
		BackoffCap:  120 * time.Second,
		now:         time.Now,
	}
}

// SetClock overrides the harness clock. Test hook.
func (h *Harness) SetClock(now func() time.Time) { h.now = now }

// Run executes one claimed (running) step to its next state.
func (h *Harness) Run(ctx context.Context, step *domain.Step) {
	tracer := otel.Tracer("tradeflow/runtime")
	ctx, span := tracer.Start(ctx, "step.run", trace.WithAttributes(
		attribute.String("step.class", step.Class),
		attribute.String("step.queue", step.Queue),
		attribute.String("step.block", step.BlockUUID.String()),
		attribute.Int64("step.id", step.ID),
	))
	if step.WorkflowID != nil {
		span.SetAttributes(attribute.String("step.workflow", step.WorkflowID.String()))
	}
	defer span.End()

	jc := NewContext(ctx, h.Store, step, h.Registry, h.Log)

	defer func() {
		if r := recover(); r != nil {
			h.Log.Error("Step handler panic", "step_id", step.ID, "class", step.Class, "panic", r)
			span.SetStatus(codes.Error, "panic")
			h.fail(jc, domain.ErrKindPanic, fmt.Sprintf("panic: %v", r), true)
		}
	}()

	factory, ok := h.Registry.Get(step.Class)
	if !ok {
		h.Log.Warn("No factory registered for class", "class", step.Class, "step_id", step.ID)
		h.fail(jc, domain.ErrKindPermanent, "no factory registered for class="+step.Class, true)
		return
	}
	job, err := factory(jc.Payload())
	if err != nil {
		h.fail(jc, domain.ErrKindPermanent, "construct: "+err.Error(), true)
		return
	}

	if g, ok := job.(Guarded); ok {
		proceed, gerr := g.StartOrFail(jc)
		if gerr != nil {
			h.handleFault(jc, gerr)
			return
		}
		if !proceed {
			if ok, _ := h.Store.MarkSkipped(jc.DBC(), step.ID); ok {
				h.observe(step, domain.StepRunning, domain.StepSkipped, "guard declined")
				h.settle(jc)
			}
			return
		}
	}

	if b, ok := job.(HandlerBinder); ok {
		if berr := b.AssignExceptionHandler(jc); berr != nil {
			h.handleFault(jc, berr)
			return
		}
	}

	span.AddEvent("compute")
	if _, err := h.runBody(jc, job); err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.handleFault(jc, err)
		return
	}

	// Operator cancellation wins any race against result handling.
	if cur, _ := jc.Reload(); cur == nil || cur.State == domain.StepCancelled {
		return
	}

	if d, ok := job.(DoubleChecker); ok {
		span.AddEvent("double_check")
		held, derr := d.DoubleCheck(jc)
		if derr != nil {
			h.handleFault(jc, derr)
			return
		}
		if !held {
			h.handleFault(jc, &VerificationError{Detail: "side-effect not observed for class=" + step.Class})
			return
		}
	}

	// Parents defer their Complete phase to ResolveParent.
	if c, ok := job.(Completer); ok && step.ChildBlockUUID == nil {
		span.AddEvent("complete")
		if cerr := c.Complete(jc); cerr != nil {
			h.handleFault(jc, cerr)
			return
		}
	}

	if step.ChildBlockUUID != nil {
		// Parent steps stay live until the child block settles; the
		// dispatcher resolves them via ResolveParent.
		if ok, _ := h.Store.MarkHalted(jc.DBC(), step.ID); ok {
			h.observe(step, domain.StepRunning, domain.StepHalted, "awaiting children")
		}
		return
	}
	h.complete(jc, "")
}

// runBody invokes the job body under the per-step wall-clock budget. Atomic
// jobs declare their endpoint and pass through the throttler first.
func (h *Harness) runBody(jc *Context, job Job) (map[string]any, error) {
	api, isAPI := job.(Apiable)
	comp, isComp := job.(Computable)
	if !isAPI && !isComp {
		return nil, Permanent(fmt.Errorf("class %s has no compute body", jc.Step.Class))
	}

	run := func(ctx *Context) (map[string]any, error) {
		if isAPI {
			canonical, signature, accountKey := api.Endpoint(ctx)
			if h.Throttle != nil && canonical != "" {
				if err := h.Throttle.Acquire(ctx.Ctx, canonical, signature, accountKey); err != nil {
					return nil, Retryable(fmt.Errorf("throttler: %w", err))
				}
			}
			return api.ComputeApiable(ctx)
		}
		return comp.Compute(ctx)
	}

	timeout := h.StepTimeout
	if timeout <= 0 {
		return run(jc)
	}
	tctx, cancel := context.WithTimeout(jc.Ctx, timeout)
	defer cancel()
	scoped := *jc
	scoped.Ctx = tctx

	type out struct {
		m map[string]any
		e error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{e: Permanent(fmt.Errorf("panic in body: %v", r))}
			}
		}()
		m, e := run(&scoped)
		ch <- out{m: m, e: e}
	}()
	select {
	case <-tctx.Done():
		return nil, Retryable(fmt.Errorf("step body timed out after %s: %w", timeout, tctx.Err()))
	case o := <-ch:
		return o.m, o.e
	}
}

func (h *Harness) handleFault(jc *Context, err error) {
	cls := classify(err)
	step := jc.Step
	switch cls.Kind {
	case domain.ErrKindRetryable:
		h.retryOrFail(jc, step.MaxAttempts, domain.ErrKindRetryable, cls.Message)
	case domain.ErrKindVerification:
		cap := verifyAttemptCap
		if step.MaxAttempts < cap {
			cap = step.MaxAttempts
		}
		h.retryOrFail(jc, cap, domain.ErrKindVerification, cls.Message)
	case domain.ErrKindIgnorable, domain.ErrKindJustEnd:
		h.complete(jc, cls.Message)
	case domain.ErrKindJustResolve:
		h.fail(jc, domain.ErrKindJustResolve, cls.Message, cls.Notifiable)
	default:
		h.fail(jc, domain.ErrKindPermanent, cls.Message, cls.Notifiable)
	}
}

func (h *Harness) retryOrFail(jc *Context, maxAttempts int, kind domain.ErrorKind, msg string) {
	step := jc.Step
	if step.Attempts >= maxAttempts {
		h.fail(jc, kind, fmt.Sprintf("max attempts (%d) reached: %s", maxAttempts, msg), true)
		return
	}
	policy := BackoffPolicy{
		Initial: time.Duration(step.BackoffSeconds) * time.Second,
		Cap:     h.BackoffCap,
	}
	next := h.now().Add(policy.Delay(step.Attempts))
	if ok, _ := h.Store.MarkRetrying(jc.DBC(), step.ID, next, msg); ok {
		h.observe(step, domain.StepRunning, domain.StepRetrying, msg)
	}
}

func (h *Harness) complete(jc *Context, lastError string) {
	step := jc.Step
	if ok, _ := h.Store.MarkCompleted(jc.DBC(), step.ID, lastError); !ok {
		return
	}
	h.observe(step, step.State, domain.StepCompleted, lastError)
	h.settle(jc)
	if h.Notify != nil {
		h.Notify.StepCompleted(jc.Ctx, step)
	}
}

func (h *Harness) fail(jc *Context, kind domain.ErrorKind, msg string, notifiable bool) {
	step := jc.Step
	if ok, _ := h.Store.MarkFailed(jc.DBC(), step.ID, kind, msg); !ok {
		return
	}
	h.observe(step, step.State, domain.StepFailed, msg)
	if n, _ := h.Store.PromoteResolveException(jc.DBC(), step.BlockUUID); n > 0 {
		h.Log.Info("Promoted resolve-exception sibling", "block", step.BlockUUID, "count", n)
	}
	if notifiable && h.Notify != nil {
		h.Notify.StepFailed(jc.Ctx, step, kind, msg)
	}
}

// settle skips dormant compensators once their block finished cleanly.
func (h *Harness) settle(jc *Context) {
	if n, _ := h.Store.SettleResolveException(jc.DBC(), jc.Step.BlockUUID); n > 0 {
		h.Log.Debug("Skipped dormant resolve-exception steps", "block", jc.Step.BlockUUID, "count", n)
	}
}

// ResolveParent finishes a halted parent whose child block is fully terminal.
// The body is never re-entered; only the completion handler runs (and only
// when every child succeeded or was skipped).
func (h *Harness) ResolveParent(ctx context.Context, parent *domain.Step) {
	jc := NewContext(ctx, h.Store, parent, h.Registry, h.Log)
	if parent.ChildBlockUUID == nil {
		return
	}
	cs, err := h.Store.ChildrenStatus(jc.DBC(), *parent.ChildBlockUUID)
	if err != nil || cs.NonTerminal > 0 {
		return
	}
	if cs.Failed == 0 && cs.Cancelled == 0 {
		if factory, ok := h.Registry.Get(parent.Class); ok {
			if job, jerr := factory(jc.Payload()); jerr == nil {
				if c, ok := job.(Completer); ok {
					if cerr := c.Complete(jc); cerr != nil {
						h.handleFault(jc, cerr)
						return
					}
				}
			}
		}
		h.complete(jc, "")
		return
	}
	h.fail(jc, domain.ErrKindChildFailure,
		fmt.Sprintf("child block %s: %d failed, %d cancelled", parent.ChildBlockUUID, cs.Failed, cs.Cancelled), true)
}

func (h *Harness) observe(step *domain.Step, from, to domain.StepState, note string) {
	if h.Observer != nil {
		h.Observer.OnTransition(step, from, to, note)
	}
}
