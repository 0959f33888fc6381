// Package throttler gates every outbound API call so per-exchange rate
// limits are never exceeded while utilisation stays high. Each API canonical
// owns a set of named buckets (window, capacity); endpoint signatures map to
// weighted contributions against those buckets. Admission is reservation
// based: arrivals reserve weight under a per-canonical mutex in FIFO order,
// then sleep until their reserved admission time.
//
// State is process-local. Safety across processes comes from group
// partitioning: each canonical is polled by exactly one dispatcher group and
// group ticks are serialised by an advisory lock.
package throttler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

// BucketScope decides whether weight is accounted per IP (one shared state)
// or per API key (state per accountKey).
type BucketScope string

const (
	ScopeIP      BucketScope = "ip"
	ScopeAccount BucketScope = "account"
)

type Bucket struct {
	Name     string        `yaml:"name"`
	Window   time.Duration `yaml:"window"`
	Capacity int           `yaml:"capacity"`
	Scope    BucketScope   `yaml:"scope"`
}

// Contribution is one endpoint's cost against one bucket.
type Contribution struct {
	Bucket string `yaml:"bucket"`
	Weight int    `yaml:"weight"`
}

// HeaderBinding reconciles a server rate-limit header with a local bucket.
type HeaderBinding struct {
	Header string `yaml:"header"`
	Bucket string `yaml:"bucket"`
	// Remaining inverts the header value: remaining = capacity - used.
	Remaining bool `yaml:"remaining"`
}

// Table is the full limit model for one API canonical.
type Table struct {
	Buckets   []Bucket                  `yaml:"buckets"`
	Endpoints map[string][]Contribution `yaml:"endpoints"`
	// Fallback applies to signatures missing from Endpoints.
	Fallback []Contribution  `yaml:"fallback"`
	Headers  []HeaderBinding `yaml:"headers"`
}

type reservation struct {
	at     time.Time
	weight int
}

type bucketState struct {
	def          Bucket
	reservations []reservation
	blockedUntil time.Time
}

func (b *bucketState) prune(cutoff time.Time) {
	i := 0
	for i < len(b.reservations) && !b.reservations[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.reservations = b.reservations[i:]
	}
}

// usedIn sums reserved weight in the window ending at t.
func (b *bucketState) usedIn(t time.Time) int {
	start := t.Add(-b.def.Window)
	total := 0
	for _, r := range b.reservations {
		if r.at.After(start) && !r.at.After(t) {
			total += r.weight
		}
	}
	return total
}

// earliestFit returns the first instant >= from at which weight w fits.
func (b *bucketState) earliestFit(from time.Time, w int) time.Time {
	t := from
	if b.blockedUntil.After(t) {
		t = b.blockedUntil
	}
	if w > b.def.Capacity {
		// Oversized request: admit alone at the first quiet moment.
		w = b.def.Capacity
	}
	for i := 0; i <= len(b.reservations); i++ {
		if b.usedIn(t)+w <= b.def.Capacity {
			return t
		}
		// Jump to the expiry of the oldest in-window reservation.
		start := t.Add(-b.def.Window)
		var next time.Time
		for _, r := range b.reservations {
			if r.at.After(start) && !r.at.After(t) {
				next = r.at.Add(b.def.Window)
				break
			}
		}
		if next.IsZero() {
			return t
		}
		t = next
	}
	return t
}

func (b *bucketState) reserve(at time.Time, w int) {
	b.reservations = append(b.reservations, reservation{at: at, weight: w})
	sort.Slice(b.reservations, func(i, j int) bool { return b.reservations[i].at.Before(b.reservations[j].at) })
	b.prune(at.Add(-b.def.Window))
}

type canonicalState struct {
	mu      sync.Mutex
	table   Table
	buckets map[string]*bucketState // keyed name or name|accountKey
}

func (c *canonicalState) bucket(def Bucket, accountKey string) *bucketState {
	key := def.Name
	if def.Scope == ScopeAccount && accountKey != "" {
		key = def.Name + "|" + accountKey
	}
	b, ok := c.buckets[key]
	if !ok {
		b = &bucketState{def: def}
		c.buckets[key] = b
	}
	return b
}

func (c *canonicalState) bucketDef(name string) (Bucket, bool) {
	for _, b := range c.table.Buckets {
		if b.Name == name {
			return b, true
		}
	}
	return Bucket{}, false
}

// WaitObserver receives throttle wait events for logging/metrics.
type WaitObserver interface {
	OnThrottleWait(canonical, bucket string, wait time.Duration)
}

type Registry struct {
	mu     sync.RWMutex
	canons map[string]*canonicalState
	log    *logger.Logger

	Observer WaitObserver

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		canons: make(map[string]*canonicalState),
		log:    log.With("component", "Throttler"),
		now:    time.Now,
		sleep:  ctxSleep,
	}
}

// SetClock overrides time source and sleeper. Test hook.
func (r *Registry) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	r.now = now
	r.sleep = sleep
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Registry) Configure(canonical string, table Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canons[canonical] = &canonicalState{
		table:   table,
		buckets: make(map[string]*bucketState),
	}
}

func (r *Registry) state(canonical string) *canonicalState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canons[canonical]
}

// Acquire blocks until the call may proceed, then counts its weight against
// every affected bucket. Admission is FIFO per canonical: reservations are
// taken in arrival order under the canonical mutex, so two concurrent
// acquires can never both see capacity that only fits one.
func (r *Registry) Acquire(ctx context.Context, canonical, signature, accountKey string) error {
	st := r.state(canonical)
	if st == nil {
		r.log.Warn("Acquire for unconfigured canonical, passing through", "canonical", canonical)
		return nil
	}
	contribs := st.table.Endpoints[signature]
	if len(contribs) == 0 {
		contribs = st.table.Fallback
	}
	if len(contribs) == 0 {
		return nil
	}

	st.mu.Lock()
	now := r.now()
	admit := now
	// Iterate to a fixpoint: moving the admission time for one bucket can
	// change the earliest fit of another.
	for range contribs {
		moved := false
		for _, c := range contribs {
			def, ok := st.bucketDef(c.Bucket)
			if !ok {
				st.mu.Unlock()
				return fmt.Errorf("throttler: canonical %s references unknown bucket %s", canonical, c.Bucket)
			}
			b := st.bucket(def, accountKey)
			fit := b.earliestFit(admit, c.Weight)
			if fit.After(admit) {
				admit = fit
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	gating := ""
	for _, c := range contribs {
		def, _ := st.bucketDef(c.Bucket)
		b := st.bucket(def, accountKey)
		b.reserve(admit, c.Weight)
		gating = c.Bucket
	}
	st.mu.Unlock()

	wait := admit.Sub(now)
	if wait > 0 {
		if r.Observer != nil {
			r.Observer.OnThrottleWait(canonical, gating, wait)
		}
		return r.sleep(ctx, wait)
	}
	return nil
}

// QueryTime reports, per bucket, the next instant a weight-1 request would
// be admitted. For scheduling callers only; it takes no reservation.
func (r *Registry) QueryTime(canonical, accountKey string) map[string]time.Time {
	st := r.state(canonical)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := r.now()
	out := make(map[string]time.Time, len(st.table.Buckets))
	for _, def := range st.table.Buckets {
		b := st.bucket(def, accountKey)
		out[def.Name] = b.earliestFit(now, 1)
	}
	return out
}

// OnBackoffHint fully reserves a bucket for the given duration. Empty bucket
// name blocks every bucket of the canonical. Used on HTTP 429/418.
func (r *Registry) OnBackoffHint(canonical, bucket string, retryAfter time.Duration) {
	st := r.state(canonical)
	if st == nil || retryAfter <= 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	until := r.now().Add(retryAfter)
	for key, b := range st.buckets {
		if bucket != "" && b.def.Name != bucket {
			continue
		}
		if until.After(b.blockedUntil) {
			b.blockedUntil = until
		}
		_ = key
	}
	// Buckets not yet instantiated must block too.
	for _, def := range st.table.Buckets {
		if bucket != "" && def.Name != bucket {
			continue
		}
		b := st.bucket(def, "")
		if until.After(b.blockedUntil) {
			b.blockedUntil = until
		}
	}
	r.log.Warn("Backoff hint applied", "canonical", canonical, "bucket", bucket, "retry_after", retryAfter)
}
