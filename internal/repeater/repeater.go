// Package repeater retries periodic, idempotent tasks outside the step
// graph. A task class is invoked until it reports success or exhausts its
// attempts; rows are deleted on any terminal outcome.
package repeater

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

// Task is one repeatable unit. Run returns true when the work is done.
type Task interface {
	Run(ctx context.Context, params map[string]any) (bool, error)
	Passed(ctx context.Context, params map[string]any)
	Failed(ctx context.Context, params map[string]any)
	MaxAttemptsReached(ctx context.Context, params map[string]any)
	// Backoff is the class-provided delay before the next attempt.
	Backoff(attempts int) time.Duration
}

type Factory func() Task

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(class string, f Factory) error {
	if class == "" || f == nil {
		return fmt.Errorf("invalid repeater registration")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[class]; ok {
		return fmt.Errorf("repeater class already registered: %s", class)
	}
	r.factories[class] = f
	return nil
}

func (r *Registry) Get(class string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	return f, ok
}

// Store persists repeater rows. ClaimDue must lease the rows it returns so a
// crashed processor's work resurfaces after the lease.
type Store interface {
	Enqueue(dbc dbctx.Context, task *domain.RepeaterTask) error
	ClaimDue(dbc dbctx.Context, limit int, lease time.Duration) ([]*domain.RepeaterTask, error)
	Delete(dbc dbctx.Context, id int64) error
	Reschedule(dbc dbctx.Context, id int64, next time.Time) error
}

type Processor struct {
	store    Store
	registry *Registry
	log      *logger.Logger

	Interval time.Duration // default 5s
	Batch    int           // default 16
	Lease    time.Duration // default 5m
}

func NewProcessor(store Store, registry *Registry, baseLog *logger.Logger) *Processor {
	return &Processor{
		store:    store,
		registry: registry,
		log:      baseLog.With("component", "Repeater"),
		Interval: 5 * time.Second,
		Batch:    16,
		Lease:    5 * time.Minute,
	}
}

func (p *Processor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info("Repeater stopped")
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

func (p *Processor) tick(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := p.store.ClaimDue(dbc, p.Batch, p.Lease)
	if err != nil {
		p.log.Warn("ClaimDue failed", "error", err)
		return
	}
	for _, row := range rows {
		p.ProcessOne(ctx, row)
	}
}

// ProcessOne runs one claimed row to its next state.
func (p *Processor) ProcessOne(ctx context.Context, row *domain.RepeaterTask) {
	dbc := dbctx.Context{Ctx: ctx}
	factory, ok := p.registry.Get(row.Class)
	if !ok {
		p.log.Warn("No repeater class registered, dropping row", "class", row.Class, "id", row.ID)
		_ = p.store.Delete(dbc, row.ID)
		return
	}
	task := factory()
	params := map[string]any{}
	if len(row.Parameters) > 0 {
		_ = json.Unmarshal(row.Parameters, &params)
	}

	done, err := task.Run(ctx, params)
	if err != nil {
		p.log.Debug("Repeater task errored", "class", row.Class, "id", row.ID, "error", err)
		done = false
	}
	switch {
	case done:
		task.Passed(ctx, params)
		_ = p.store.Delete(dbc, row.ID)
	case row.Attempts < row.MaxAttempts:
		task.Failed(ctx, params)
		next := time.Now().Add(task.Backoff(row.Attempts))
		_ = p.store.Reschedule(dbc, row.ID, next)
	default:
		task.MaxAttemptsReached(ctx, params)
		_ = p.store.Delete(dbc, row.ID)
	}
}
