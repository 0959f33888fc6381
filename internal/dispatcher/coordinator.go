package dispatcher

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/steps"
)

type Config struct {
	Groups       []string
	TickInterval time.Duration // default 1s
	BatchSize    int           // default 16
	TickBudget   time.Duration // default 25s
	StaleAfter   time.Duration // default 30m
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 25 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if len(c.Groups) == 0 {
		c.Groups = []string{"default"}
	}
	return c
}

/*
Coordinator drives one consumer goroutine per named group. Ticks are
non-overlapping per group by construction (single consumer) and across
processes via the advisory lock. A lost tick is subsumed by the next one;
there is no tick backlog.
*/
type Coordinator struct {
	store   steps.Store
	harness *runtime.Harness
	db      *gorm.DB // nil for memory-store deployments
	log     *logger.Logger
	cfg     Config
}

func NewCoordinator(store steps.Store, harness *runtime.Harness, db *gorm.DB, baseLog *logger.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:   store,
		harness: harness,
		db:      db,
		log:     baseLog.With("component", "Dispatcher"),
		cfg:     cfg.withDefaults(),
	}
}

// Start launches the group consumers and blocks until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, group := range c.cfg.Groups {
		group := group
		g.Go(func() error {
			c.runGroup(ctx, group)
			return nil
		})
	}
	c.log.Info("Dispatcher started", "groups", c.cfg.Groups, "tick", c.cfg.TickInterval)
	return g.Wait()
}

func (c *Coordinator) runGroup(ctx context.Context, group string) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	log := c.log.With("group", group)
	for {
		select {
		case <-ctx.Done():
			log.Info("Group consumer stopped")
			return
		case <-ticker.C:
			err := withGroupLock(ctx, c.db, group, func() error {
				c.Tick(ctx, group)
				return nil
			})
			if err != nil && !errors.Is(err, errLockBusy) {
				log.Warn("Tick failed", "error", err)
			}
		}
	}
}

// Tick processes one scheduling round for a group: reclaim orphaned running
// rows, resolve waiting parents, then claim and run one batch of ready steps.
// Ends when the batch drains or the budget elapses.
func (c *Coordinator) Tick(ctx context.Context, group string) {
	deadline := time.Now().Add(c.cfg.TickBudget)
	dbc := dbctx.Context{Ctx: ctx}

	if n, err := c.store.ReclaimStale(dbc, group, time.Now().Add(-c.cfg.StaleAfter)); err != nil {
		c.log.Warn("ReclaimStale failed", "group", group, "error", err)
	} else if n > 0 {
		c.log.Warn("Reclaimed stale running steps", "group", group, "count", n)
	}

	parents, err := c.store.SelectWaitingParents(dbc, group, c.cfg.BatchSize)
	if err != nil {
		c.log.Warn("SelectWaitingParents failed", "group", group, "error", err)
	}
	for _, p := range parents {
		c.harness.ResolveParent(ctx, p)
		if time.Now().After(deadline) {
			return
		}
	}

	batch, err := c.store.SelectReady(dbc, group, c.cfg.BatchSize)
	if err != nil {
		c.log.Warn("SelectReady failed", "group", group, "error", err)
		return
	}
	for _, step := range batch {
		ok, cerr := c.store.Claim(dbc, step)
		if cerr != nil {
			c.log.Warn("Claim failed", "group", group, "step_id", step.ID, "error", cerr)
			continue
		}
		if !ok {
			continue
		}
		c.harness.Run(ctx, step)
		if time.Now().After(deadline) {
			return
		}
	}
}
