package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Windower is the sliding-window primitive behind the gate. The redis
// implementation makes throttling global across processes; the memory
// implementation serves single-process and test runs.
type Windower interface {
	// Hit records an event under key and reports how many events the window
	// now holds.
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// AlertGate allows at most one alert per (canonical, contextKey) per window.
type AlertGate struct {
	windows Windower
	Window  time.Duration // default 5m
}

func NewAlertGate(w Windower, window time.Duration) *AlertGate {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &AlertGate{windows: w, Window: window}
}

func (g *AlertGate) Allow(ctx context.Context, canonical, contextKey string) (bool, error) {
	n, err := g.windows.Hit(ctx, canonical+":"+contextKey, g.Window)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- redis windower ----

type redisWindower struct {
	rdb *goredis.Client
}

func NewRedisWindower(rdb *goredis.Client) Windower {
	return &redisWindower{rdb: rdb}
}

func (w *redisWindower) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	rkey := "tradeflow:alerts:" + key
	pipe := w.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", fmt.Sprint(now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, rkey, goredis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	card := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// ---- memory windower ----

type memoryWindower struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewMemoryWindower() Windower {
	return &memoryWindower{hits: make(map[string][]time.Time), now: time.Now}
}

func (w *memoryWindower) Hit(_ context.Context, key string, window time.Duration) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-window)
	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	w.hits[key] = kept
	return int64(len(kept)), nil
}
