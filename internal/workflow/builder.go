// Package workflow builds step blocks. A Builder accumulates rows for one
// block, applying exchange class resolution at emit time, then flushes them
// in a single Create call.
package workflow

import (
	"github.com/google/uuid"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/resolver"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/steps"
)

// Spec is one step to append: a default class token plus its arguments.
type Spec struct {
	Class string
	Args  map[string]any
}

// DefaultsSource exposes per-class retry defaults. Satisfied by
// runtime.Registry; consulted for the resolved class token when a row is built.
type DefaultsSource interface {
	DefaultsFor(class string) (runtime.ClassDefaults, bool)
}

type Builder struct {
	reg        resolver.ClassSet
	canonical  string
	block      uuid.UUID
	queue      string
	workflowID *uuid.UUID
	index      int
	relKind    domain.RelatableKind
	relID      *uuid.UUID
	rows       []*domain.Step
}

// NewBuilder starts a block at index 1. canonical selects exchange-specific
// class overrides; empty disables resolution.
func NewBuilder(reg resolver.ClassSet, canonical string, block uuid.UUID, queue string, workflowID *uuid.UUID) *Builder {
	return &Builder{
		reg:        reg,
		canonical:  canonical,
		block:      block,
		queue:      queue,
		workflowID: workflowID,
		index:      1,
	}
}

// StartAt moves the next index. Lifecycles appending into an existing block
// use this; the index space may be sparse.
func (b *Builder) StartAt(index int) *Builder {
	b.index = index
	return b
}

// Relate tags subsequently added rows with a domain back-pointer.
func (b *Builder) Relate(kind domain.RelatableKind, id uuid.UUID) *Builder {
	b.relKind = kind
	b.relID = &id
	return b
}

func (b *Builder) row(class string, args map[string]any, index int) *domain.Step {
	resolved := resolver.Resolve(b.reg, class, b.canonical)
	s := steps.New(resolved, runtime.MarshalArgs(args), b.block, index, b.queue)
	if src, ok := b.reg.(DefaultsSource); ok {
		if d, ok := src.DefaultsFor(resolved); ok {
			if d.MaxAttempts > 0 {
				s.MaxAttempts = d.MaxAttempts
			}
			if d.BackoffSeconds > 0 {
				s.BackoffSeconds = d.BackoffSeconds
			}
		}
	}
	s.WorkflowID = b.workflowID
	s.RelatableType = b.relKind
	s.RelatableID = b.relID
	return s
}

// Add appends one step at the next index and advances.
func (b *Builder) Add(class string, args map[string]any) *Builder {
	b.rows = append(b.rows, b.row(class, args, b.index))
	b.index++
	return b
}

// Parallel appends the given specs at a single shared index, then advances
// once. Equal-index siblings carry no ordering guarantee among themselves.
func (b *Builder) Parallel(specs ...Spec) *Builder {
	for _, sp := range specs {
		b.rows = append(b.rows, b.row(sp.Class, sp.Args, b.index))
	}
	if len(specs) > 0 {
		b.index++
	}
	return b
}

// AddParent appends an orchestrator step owning a fresh child block and
// returns that block's uuid. The parent stays halted after its body until
// every child terminates.
func (b *Builder) AddParent(class string, args map[string]any) uuid.UUID {
	child := uuid.New()
	s := b.row(class, args, b.index)
	s.ChildBlockUUID = &child
	b.rows = append(b.rows, s)
	b.index++
	return child
}

// AddCompensator appends a dormant resolve-exception sibling. It is created
// halted and never holds the index barrier; the store promotes it to pending
// only when a sibling fails terminally.
func (b *Builder) AddCompensator(class string, args map[string]any) *Builder {
	s := b.row(class, args, 0)
	s.Type = domain.StepTypeResolveException
	s.State = domain.StepHalted
	b.rows = append(b.rows, s)
	return b
}

// Next reports the next free index.
func (b *Builder) Next() int { return b.index }

// Rows returns the accumulated rows without flushing. Test hook.
func (b *Builder) Rows() []*domain.Step { return b.rows }

// Flush persists all accumulated rows and resets the builder.
func (b *Builder) Flush(dbc dbctx.Context, store steps.Store) ([]*domain.Step, error) {
	if len(b.rows) == 0 {
		return nil, nil
	}
	created, err := store.Create(dbc, b.rows)
	if err != nil {
		return nil, err
	}
	b.rows = nil
	return created, nil
}
