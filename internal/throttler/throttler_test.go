package throttler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

// fakeClock drives the registry deterministically: sleep advances the clock
// instead of blocking.
type fakeClock struct {
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.cur }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.cur = c.cur.Add(d)
	return nil
}

func newTestRegistry(t *testing.T, table Table) (*Registry, *fakeClock) {
	t.Helper()
	r := NewRegistry(logger.Nop())
	clock := newFakeClock()
	r.SetClock(clock.now, clock.sleep)
	r.Configure("binance", table)
	return r, clock
}

func weightTable(capacity int, window time.Duration) Table {
	return Table{
		Buckets: []Bucket{
			{Name: "request_weight", Window: window, Capacity: capacity, Scope: ScopeIP},
		},
		Endpoints: map[string][]Contribution{
			"GET /ping": {{Bucket: "request_weight", Weight: 1}},
		},
		Fallback: []Contribution{{Bucket: "request_weight", Weight: 1}},
	}
}

func TestAcquireUnderCapacityDoesNotWait(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(10, time.Minute))
	start := clock.cur
	for i := 0; i < 10; i++ {
		if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if !clock.cur.Equal(start) {
		t.Fatalf("clock moved by %s; expected no waiting under capacity", clock.cur.Sub(start))
	}
}

func TestAcquireWaitsAtCapacity(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(3, time.Minute))
	start := clock.cur
	for i := 0; i < 3; i++ {
		if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
		t.Fatalf("fourth acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != time.Minute {
		t.Fatalf("fourth acquire waited %s, want %s", got, time.Minute)
	}
}

// Over any window of the bucket's length, admitted weight must not exceed
// capacity. 20 weight-1 calls against capacity 5: admissions land in waves of
// at most 5 per window.
func TestConservationUnderPressure(t *testing.T) {
	const capacity = 5
	const calls = 20
	window := time.Minute
	r, clock := newTestRegistry(t, weightTable(capacity, window))

	var admits []time.Time
	for i := 0; i < calls; i++ {
		before := clock.cur
		if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if clock.cur.Before(before) {
			t.Fatalf("clock went backwards")
		}
		admits = append(admits, clock.cur)
	}

	for i := range admits {
		end := admits[i]
		inWindow := 0
		for _, a := range admits {
			if a.After(end.Add(-window)) && !a.After(end) {
				inWindow++
			}
		}
		if inWindow > capacity {
			t.Fatalf("window ending %s admitted %d > capacity %d", end, inWindow, capacity)
		}
	}

	// All calls must be through within (calls/capacity - 1) windows.
	total := admits[len(admits)-1].Sub(admits[0])
	if want := 3 * window; total != want {
		t.Fatalf("drain took %s, want %s", total, want)
	}
}

// Admission times must be non-decreasing in arrival order.
func TestFIFOAdmissionOrder(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(2, time.Minute))
	var prev time.Time
	for i := 0; i < 8; i++ {
		if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if clock.cur.Before(prev) {
			t.Fatalf("acquire %d admitted at %s before earlier admission %s", i, clock.cur, prev)
		}
		prev = clock.cur
	}
}

func TestMultiBucketGatesOnTightest(t *testing.T) {
	table := Table{
		Buckets: []Bucket{
			{Name: "request_weight", Window: time.Minute, Capacity: 100, Scope: ScopeIP},
			{Name: "orders_10s", Window: 10 * time.Second, Capacity: 2, Scope: ScopeAccount},
		},
		Endpoints: map[string][]Contribution{
			"POST /order": {
				{Bucket: "request_weight", Weight: 1},
				{Bucket: "orders_10s", Weight: 1},
			},
		},
	}
	r, clock := newTestRegistry(t, table)
	start := clock.cur
	for i := 0; i < 2; i++ {
		if err := r.Acquire(context.Background(), "binance", "POST /order", "acct"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := r.Acquire(context.Background(), "binance", "POST /order", "acct"); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != 10*time.Second {
		t.Fatalf("order bucket should gate at 10s, waited %s", got)
	}
}

func TestAccountScopeIsolatesKeys(t *testing.T) {
	table := Table{
		Buckets: []Bucket{
			{Name: "orders_1s", Window: time.Second, Capacity: 1, Scope: ScopeAccount},
		},
		Fallback: []Contribution{{Bucket: "orders_1s", Weight: 1}},
	}
	r, clock := newTestRegistry(t, table)
	start := clock.cur
	if err := r.Acquire(context.Background(), "binance", "POST /x", "acct-a"); err != nil {
		t.Fatalf("acct-a: %v", err)
	}
	if err := r.Acquire(context.Background(), "binance", "POST /x", "acct-b"); err != nil {
		t.Fatalf("acct-b: %v", err)
	}
	if !clock.cur.Equal(start) {
		t.Fatalf("distinct account keys should not contend, waited %s", clock.cur.Sub(start))
	}
}

func TestUnknownSignatureUsesFallback(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(1, time.Minute))
	_ = r.Acquire(context.Background(), "binance", "GET /never-listed", "")
	start := clock.cur
	if err := r.Acquire(context.Background(), "binance", "GET /also-never-listed", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if clock.cur.Equal(start) {
		t.Fatalf("fallback contributions should count against the bucket")
	}
}

func TestUnconfiguredCanonicalPassesThrough(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(1, time.Minute))
	start := clock.cur
	if err := r.Acquire(context.Background(), "kraken", "GET /x", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !clock.cur.Equal(start) {
		t.Fatalf("unconfigured canonical must not wait")
	}
}

func TestOnBackoffHintBlocksBucket(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(10, time.Minute))
	start := clock.cur
	r.OnBackoffHint("binance", "", 30*time.Second)
	if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != 30*time.Second {
		t.Fatalf("waited %s after backoff hint, want 30s", got)
	}
}

func TestQueryTimeTakesNoReservation(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(1, time.Minute))
	for i := 0; i < 5; i++ {
		r.QueryTime("binance", "")
	}
	start := clock.cur
	if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !clock.cur.Equal(start) {
		t.Fatalf("QueryTime must not consume capacity")
	}
}

func TestWaitObserverSeesGatingBucket(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(1, time.Minute))
	rec := &waitRecorder{}
	r.Observer = rec
	_ = r.Acquire(context.Background(), "binance", "GET /ping", "")
	_ = r.Acquire(context.Background(), "binance", "GET /ping", "")
	if len(rec.events) != 1 {
		t.Fatalf("expected one wait event, got %d", len(rec.events))
	}
	if rec.events[0].canonical != "binance" || rec.events[0].bucket != "request_weight" || rec.events[0].wait != time.Minute {
		t.Fatalf("unexpected wait event %+v", rec.events[0])
	}
	if got := clock.cur.Sub(newFakeClock().cur); got != time.Minute {
		t.Fatalf("clock advanced %s, want %s", got, time.Minute)
	}
}

type waitEvent struct {
	canonical string
	bucket    string
	wait      time.Duration
}

type waitRecorder struct {
	events []waitEvent
}

func (w *waitRecorder) OnThrottleWait(canonical, bucket string, wait time.Duration) {
	w.events = append(w.events, waitEvent{canonical: canonical, bucket: bucket, wait: wait})
}

func TestRecordResponseHeadersClampsUpward(t *testing.T) {
	table := weightTable(10, time.Minute)
	table.Headers = []HeaderBinding{{Header: "X-MBX-USED-WEIGHT-1M", Bucket: "request_weight"}}
	r, clock := newTestRegistry(t, table)

	// Locally nothing reserved; server says 10 of 10 used.
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "10")
	r.RecordResponseHeaders("binance", "", h)

	start := clock.cur
	if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != time.Minute {
		t.Fatalf("waited %s after clamp, want full window", got)
	}
}

func TestRecordResponseHeadersIgnoresLowerServerFigure(t *testing.T) {
	table := weightTable(2, time.Minute)
	table.Headers = []HeaderBinding{{Header: "X-MBX-USED-WEIGHT-1M", Bucket: "request_weight"}}
	r, clock := newTestRegistry(t, table)

	_ = r.Acquire(context.Background(), "binance", "GET /ping", "")
	_ = r.Acquire(context.Background(), "binance", "GET /ping", "")

	// Server lags behind local accounting; counters must not move down.
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "0")
	r.RecordResponseHeaders("binance", "", h)

	start := clock.cur
	if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != time.Minute {
		t.Fatalf("waited %s, want full window: lower server figure must be ignored", got)
	}
}

func TestRecordResponseHeadersRemainingBinding(t *testing.T) {
	table := Table{
		Buckets: []Bucket{
			{Name: "orders_1s", Window: time.Second, Capacity: 10, Scope: ScopeAccount},
		},
		Fallback: []Contribution{{Bucket: "orders_1s", Weight: 1}},
		Headers:  []HeaderBinding{{Header: "X-Bapi-Limit-Status", Bucket: "orders_1s", Remaining: true}},
	}
	r, clock := newTestRegistry(t, table)
	r.Configure("bybit", table)

	// Remaining 0 means all 10 used.
	h := http.Header{}
	h.Set("X-Bapi-Limit-Status", "0")
	r.RecordResponseHeaders("bybit", "acct", h)

	start := clock.cur
	if err := r.Acquire(context.Background(), "bybit", "POST /v5/order/create", "acct"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != time.Second {
		t.Fatalf("waited %s, want 1s after remaining=0 clamp", got)
	}
}

func TestRetryAfterHeaderBlocks(t *testing.T) {
	r, clock := newTestRegistry(t, weightTable(10, time.Minute))
	h := http.Header{}
	h.Set("Retry-After", "15")
	r.RecordResponseHeaders("binance", "", h)

	start := clock.cur
	if err := r.Acquire(context.Background(), "binance", "GET /ping", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clock.cur.Sub(start); got != 15*time.Second {
		t.Fatalf("waited %s, want 15s from Retry-After", got)
	}
}
