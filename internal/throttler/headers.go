package throttler

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RecordResponseHeaders reconciles local counters with the server's
// authoritative view. Counters are only clamped upward: if the server says
// more weight was used than we reserved, the delta becomes a synthetic
// reservation; a lower server figure is ignored (our reservations may simply
// be ahead of their accounting).
func (r *Registry) RecordResponseHeaders(canonical, accountKey string, headers http.Header) {
	st := r.state(canonical)
	if st == nil || headers == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := r.now()
	for _, bind := range st.table.Headers {
		raw := firstHeader(headers, bind.Header)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		def, ok := st.bucketDef(bind.Bucket)
		if !ok {
			continue
		}
		b := st.bucket(def, accountKey)
		serverUsed := v
		if bind.Remaining {
			serverUsed = def.Capacity - v
		}
		if serverUsed < 0 {
			serverUsed = 0
		}
		local := b.usedIn(now)
		if serverUsed > local {
			b.reserve(now, serverUsed-local)
		}
	}

	if ra := firstHeader(headers, "Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs > 0 {
			until := now.Add(time.Duration(secs) * time.Second)
			for _, def := range st.table.Buckets {
				b := st.bucket(def, accountKey)
				if until.After(b.blockedUntil) {
					b.blockedUntil = until
				}
			}
		}
	}
}

// firstHeader matches case-insensitively and tolerates suffixed families
// like X-MBX-USED-WEIGHT-1M when the binding names the exact header, plus
// exact names otherwise.
func firstHeader(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	lower := strings.ToLower(name)
	for k, vs := range h {
		if strings.ToLower(k) == lower && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
