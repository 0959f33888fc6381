package app

import (
	"strings"
	"time"

	"github.com/quantfold/tradeflow/internal/exchanges"
	"github.com/quantfold/tradeflow/internal/pkg/envutil"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

type Config struct {
	Env     string
	Version string

	// Embedded runs on the in-memory stores; no Postgres required.
	Embedded bool

	OpsAddr      string
	AllowOrigins []string

	// Groups partitions dispatch one consumer per name. The default maps one
	// group per trading canonical, which also keeps throttler state exclusive
	// to a single consumer.
	Groups       []string
	TickInterval time.Duration
	BatchSize    int
	TickBudget   time.Duration
	StaleAfter   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LimitOverridesPath string
	SnapshotTTL        time.Duration
	AlertWindow        time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Env:                envutil.Str("APP_ENV", "development"),
		Version:            envutil.Str("APP_VERSION", "dev"),
		Embedded:           envutil.Bool("TRADEFLOW_EMBEDDED", false),
		OpsAddr:            envutil.Str("OPS_ADDR", ":8080"),
		TickInterval:       envutil.Dur("DISPATCH_TICK_INTERVAL", time.Second),
		BatchSize:          envutil.Int("DISPATCH_BATCH_SIZE", 16),
		TickBudget:         envutil.Dur("DISPATCH_TICK_BUDGET", 25*time.Second),
		StaleAfter:         envutil.Dur("DISPATCH_STALE_RUNNING", 30*time.Minute),
		RedisAddr:          envutil.Str("REDIS_ADDR", ""),
		RedisPassword:      envutil.Str("REDIS_PASSWORD", ""),
		RedisDB:            envutil.Int("REDIS_DB", 0),
		LimitOverridesPath: envutil.Str("LIMIT_OVERRIDES_PATH", ""),
		SnapshotTTL:        envutil.Dur("SNAPSHOT_TTL", 24*time.Hour),
		AlertWindow:        envutil.Dur("ALERT_WINDOW", 5*time.Minute),
	}

	if raw := envutil.Str("CORS_ALLOW_ORIGINS", ""); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}

	if raw := envutil.Str("DISPATCH_GROUPS", ""); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.Groups = append(cfg.Groups, g)
			}
		}
	} else {
		for _, c := range exchanges.All() {
			cfg.Groups = append(cfg.Groups, string(c))
		}
	}

	log.Info("Config loaded",
		"env", cfg.Env,
		"embedded", cfg.Embedded,
		"groups", cfg.Groups,
		"tick", cfg.TickInterval,
	)
	return cfg
}
