// Package app wires the engine: stores, throttler, registry, dispatcher,
// repeater and the ops server. Exchange gateways, the planner and the alert
// sender are external collaborators injected through Options.
package app

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quantfold/tradeflow/internal/db"
	"github.com/quantfold/tradeflow/internal/dispatcher"
	"github.com/quantfold/tradeflow/internal/exchanges"
	"github.com/quantfold/tradeflow/internal/notify"
	"github.com/quantfold/tradeflow/internal/observability"
	"github.com/quantfold/tradeflow/internal/pkg/envutil"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
	"github.com/quantfold/tradeflow/internal/repeater"
	"github.com/quantfold/tradeflow/internal/runtime"
	"github.com/quantfold/tradeflow/internal/server"
	"github.com/quantfold/tradeflow/internal/snapshots"
	"github.com/quantfold/tradeflow/internal/steps"
	"github.com/quantfold/tradeflow/internal/throttler"
	"github.com/quantfold/tradeflow/internal/workflow/position"
	"github.com/quantfold/tradeflow/internal/wsgroups"
)

// Options carries the external collaborators.
type Options struct {
	Gateways exchanges.Gateways
	Planner  position.Planner
	Sender   notify.Sender
}

type App struct {
	Log       *logger.Logger
	Cfg       Config
	DB        *gorm.DB // nil in embedded mode
	Store     steps.Store
	Registry  *runtime.Registry
	Harness   *runtime.Harness
	Throttler *throttler.Registry
	Repeater  *repeater.Processor
	WSGroups  *wsgroups.Manager
	Server    *server.Server

	coordinator  *dispatcher.Coordinator
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
	done         chan error
}

func New(opts Options) (*App, error) {
	log, err := logger.New(envutil.Str("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "tradeflow",
		Environment: cfg.Env,
		Version:     cfg.Version,
	})

	var gdb *gorm.DB
	var store steps.Store
	var repStore repeater.Store
	if cfg.Embedded {
		log.Info("Running embedded: in-memory stores")
		store = steps.NewMemoryStore()
		repStore = repeater.NewMemoryStore()
	} else {
		pg, err := db.NewPostgresService(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := pg.AutoMigrateAll(); err != nil {
			log.Sync()
			return nil, fmt.Errorf("postgres automigrate: %w", err)
		}
		gdb = pg.DB()
		store = steps.NewGormStore(gdb, log)
		repStore = repeater.NewGormStore(gdb, log)
	}

	rdb, err := newRedisClient(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	var snapStore snapshots.Store
	var windower notify.Windower
	if rdb != nil {
		snapStore = snapshots.NewRedisStore(rdb, log, cfg.SnapshotTTL)
		windower = notify.NewRedisWindower(rdb)
	} else {
		log.Info("No REDIS_ADDR set: in-memory snapshots and alert windows")
		snapStore = snapshots.NewMemoryStore()
		windower = notify.NewMemoryWindower()
	}

	obs := observability.NewLogObserver(log)

	throttle := throttler.NewRegistry(log)
	throttle.Observer = obs
	tables := exchanges.DefaultTables()
	if cfg.LimitOverridesPath != "" {
		tables, err = exchanges.LoadTableOverrides(cfg.LimitOverridesPath, tables)
		if err != nil {
			log.Sync()
			return nil, err
		}
	}
	for canonical, table := range tables {
		throttle.Configure(string(canonical), table)
	}

	registry := runtime.NewRegistry()
	position.RegisterAll(registry, &position.Deps{
		Gateways:  opts.Gateways,
		Snapshots: snapStore,
		Planner:   opts.Planner,
		Log:       log,
	})

	notifier := notify.NewService(log, notify.NewAlertGate(windower, cfg.AlertWindow), opts.Sender)

	harness := runtime.NewHarness(store, registry, throttle, log)
	harness.Notify = notifier
	harness.Observer = obs

	coordinator := dispatcher.NewCoordinator(store, harness, gdb, log, dispatcher.Config{
		Groups:       cfg.Groups,
		TickInterval: cfg.TickInterval,
		BatchSize:    cfg.BatchSize,
		TickBudget:   cfg.TickBudget,
		StaleAfter:   cfg.StaleAfter,
	})

	rep := repeater.NewProcessor(repStore, repeater.NewRegistry(), log)

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           gdb,
		Store:        store,
		Registry:     registry,
		Harness:      harness,
		Throttler:    throttle,
		Repeater:     rep,
		WSGroups:     wsgroups.NewManager(),
		Server:       server.New(server.Config{Addr: cfg.OpsAddr, AllowOrigins: cfg.AllowOrigins}, store, log),
		coordinator:  coordinator,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the dispatcher, repeater and ops server.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan error, 1)
	go func() {
		a.done <- a.coordinator.Start(ctx)
	}()
	a.Repeater.Start(ctx)
	a.Server.Start()
}

// Stop winds everything down; in-flight steps finish their phase first.
func (a *App) Stop() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		if a.done != nil {
			<-a.done
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("Ops server shutdown", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("Otel shutdown", "error", err)
		}
	}
	a.Log.Sync()
}
