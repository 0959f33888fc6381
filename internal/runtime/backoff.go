package runtime

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy produces the delay before retry attempt n+1 after attempt n
// failed. Exponential on the attempt count; the initial delay comes from the
// step row so job classes can tune it.
type BackoffPolicy struct {
	Initial    time.Duration // default 10s
	Multiplier float64       // default 2
	Cap        time.Duration // default 120s
	JitterFrac float64       // 0 disables jitter; step retries use 0 so
	// next_run_at stays deterministic for operators
}

func (p BackoffPolicy) Delay(attempts int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 10 * time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 120 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(initial) * math.Pow(mult, float64(attempts-1)))
	if d > cap {
		d = cap
	}
	if p.JitterFrac > 0 {
		delta := float64(d) * p.JitterFrac
		low := float64(d) - delta
		if low < 0 {
			low = 0
		}
		d = time.Duration(low + rand.Float64()*2*delta)
	}
	return d
}
