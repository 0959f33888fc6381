package runtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Job is the common constraint for everything the registry can build. The
// harness branches once on the concrete interfaces a job implements: Guarded,
// Apiable, Computable, DoubleChecker, Completer.
type Job interface{}

// Guarded jobs run a pre-check; false skips the step without failing it.
type Guarded interface {
	StartOrFail(ctx *Context) (bool, error)
}

// HandlerBinder lets a job bind its exchange-scoped exception handler and
// account context before the body runs.
type HandlerBinder interface {
	AssignExceptionHandler(ctx *Context) error
}

// Computable is the body of orchestrator and database-mutation jobs. It may
// create new step rows; orchestrator bodies do nothing else.
type Computable interface {
	Compute(ctx *Context) (map[string]any, error)
}

// Apiable is the body of atomic jobs that perform exactly one external API
// call. The harness acquires throttler capacity for the declared endpoint
// before invoking ComputeApiable.
type Apiable interface {
	Endpoint(ctx *Context) (canonical string, signature string, accountKey string)
	ComputeApiable(ctx *Context) (map[string]any, error)
}

// DoubleChecker verifies the external side-effect took hold. False raises a
// verification fault.
type DoubleChecker interface {
	DoubleCheck(ctx *Context) (bool, error)
}

// Completer performs local finalisation (reference fields, observer pings).
type Completer interface {
	Complete(ctx *Context) error
}

// Lifecycle is a reusable sub-workflow builder. Dispatch appends step rows
// into the block starting at index and returns the next free index. It never
// performs external I/O; lifecycles are invoked from orchestrator bodies, not
// dispatched as steps themselves.
type Lifecycle interface {
	Dispatch(ctx *Context, block uuid.UUID, index int, workflowID *uuid.UUID) (int, error)
}

// ClassDefaults overrides the store defaults stamped on new rows of a class.
// Zero fields fall through to the store default.
type ClassDefaults struct {
	MaxAttempts    int
	BackoffSeconds int
}

// Factory builds a job instance from the step's decoded arguments. step.class
// is the stable registry key, not a host-language path.
type Factory func(args map[string]any) (Job, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	defaults  map[string]ClassDefaults
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		defaults:  make(map[string]ClassDefaults),
	}
}

func (r *Registry) Register(class string, f Factory) error {
	if f == nil {
		return fmt.Errorf("nil factory")
	}
	if class == "" {
		return fmt.Errorf("empty class token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[class]; exists {
		return fmt.Errorf("factory already registered for class=%s", class)
	}
	r.factories[class] = f
	return nil
}

// MustRegister panics on duplicate registration. Wiring-time only.
func (r *Registry) MustRegister(class string, f Factory) {
	if err := r.Register(class, f); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(class string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	return f, ok
}

func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[class]
	return ok
}

// SetDefaults binds retry defaults to a class token. The workflow builder
// stamps them onto new rows at emit time.
func (r *Registry) SetDefaults(class string, d ClassDefaults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[class] = d
}

func (r *Registry) DefaultsFor(class string) (ClassDefaults, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defaults[class]
	return d, ok
}
