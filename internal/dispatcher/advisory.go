package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"

	"gorm.io/gorm"
)

var errLockBusy = errors.New("group lock busy")

// groupLockKey derives a stable advisory-lock key for a group name.
func groupLockKey(group string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("tradeflow:group:" + group))
	return int64(h.Sum64())
}

// withGroupLock runs fn while holding a session-scoped advisory lock for the
// group, pinning one connection so lock and unlock pair up. Returns
// errLockBusy when another process owns the tick.
func withGroupLock(ctx context.Context, db *gorm.DB, group string, fn func() error) error {
	if db == nil {
		// Memory-store deployments are single process; the per-group
		// consumer goroutine already serialises ticks.
		return fn()
	}
	key := groupLockKey(group)
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var acquired bool
		if err := conn.Raw("SELECT pg_try_advisory_lock(?)", key).Scan(&acquired).Error; err != nil {
			return err
		}
		if !acquired {
			return errLockBusy
		}
		defer func() {
			var released bool
			_ = conn.Raw("SELECT pg_advisory_unlock(?)", key).Scan(&released).Error
		}()
		return fn()
	})
}
