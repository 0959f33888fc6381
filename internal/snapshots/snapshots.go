// Package snapshots holds latest-value records of exchange state (positions,
// open orders, prepared position plans). Dedicated atomic steps write them;
// other steps read the latest value read-only. Keyed by account, canonical
// and kind; only the newest value per key is retained.
package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

const (
	KindPositions  = "positions"
	KindOpenOrders = "open_orders"
)

// PlanKind keys a prepared position plan snapshot.
func PlanKind(positionID uuid.UUID) string { return "plan:" + positionID.String() }

type Store interface {
	Put(ctx context.Context, accountID uuid.UUID, canonical, kind string, payload any) error
	// Get unmarshals the latest value into out; false when no snapshot exists.
	Get(ctx context.Context, accountID uuid.UUID, canonical, kind string, out any) (bool, error)
}

// ---- redis ----

type redisStore struct {
	rdb *goredis.Client
	log *logger.Logger
	ttl time.Duration
}

func NewRedisStore(rdb *goredis.Client, log *logger.Logger, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisStore{
		rdb: rdb,
		log: log.With("service", "SnapshotStore"),
		ttl: ttl,
	}
}

func snapKey(accountID uuid.UUID, canonical, kind string) string {
	return fmt.Sprintf("tradeflow:snap:%s:%s:%s", accountID, canonical, kind)
}

func (s *redisStore) Put(ctx context.Context, accountID uuid.UUID, canonical, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.rdb.Set(ctx, snapKey(accountID, canonical, kind), raw, s.ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, accountID uuid.UUID, canonical, kind string, out any) (bool, error) {
	raw, err := s.rdb.Get(ctx, snapKey(accountID, canonical, kind)).Bytes()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}

// ---- memory ----

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Put(_ context.Context, accountID uuid.UUID, canonical, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snapKey(accountID, canonical, kind)] = raw
	return nil
}

func (s *memoryStore) Get(_ context.Context, accountID uuid.UUID, canonical, kind string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[snapKey(accountID, canonical, kind)]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}
