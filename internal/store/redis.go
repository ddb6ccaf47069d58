package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: pool aggregates and open position lists.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, poolID string) ([]model.PoolPosition, error) {
	data, err := s.rdb.Get(ctx, openPositionsKey(poolID)).Bytes()
	if err == nil {
		var positions []model.PoolPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListOpenPositions(ctx, poolID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, openPositionsKey(poolID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePool(ctx context.Context, pool *model.Pool) error {
	if err := s.primary.CreatePool(ctx, pool); err != nil {
		return err
	}
	s.cachePool(ctx, pool)
	return nil
}

func (s *CachedStore) OpenPosition(ctx context.Context, pool *model.Pool, pos *model.PoolPosition, trade *model.NPCTrade) error {
	if err := s.primary.OpenPosition(ctx, pool, pos, trade); err != nil {
		return err
	}
	s.invalidatePool(ctx, pool.ID)
	return nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, pool *model.Pool, positionID string, closedAt time.Time,
	realizedPnL decimal.Decimal, liquidated bool, trade *model.NPCTrade) error {
	if err := s.primary.ClosePosition(ctx, pool, positionID, closedAt, realizedPnL, liquidated, trade); err != nil {
		return err
	}
	s.invalidatePool(ctx, pool.ID)
	return nil
}

func (s *CachedStore) RecordDeposit(ctx context.Context, pool *model.Pool, dep *model.PoolDeposit) error {
	if err := s.primary.RecordDeposit(ctx, pool, dep); err != nil {
		return err
	}
	s.invalidatePool(ctx, pool.ID)
	return nil
}

func (s *CachedStore) RecordWithdrawal(ctx context.Context, pool *model.Pool, updates []DepositUpdate) error {
	if err := s.primary.RecordWithdrawal(ctx, pool, updates); err != nil {
		return err
	}
	s.invalidatePool(ctx, pool.ID)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.PoolPosition, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListActiveDeposits(ctx context.Context, poolID, investorID string) ([]model.PoolDeposit, error) {
	return s.primary.ListActiveDeposits(ctx, poolID, investorID)
}

func (s *CachedStore) ListTradesByPool(ctx context.Context, poolID string) ([]model.NPCTrade, error) {
	return s.primary.ListTradesByPool(ctx, poolID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePool(ctx context.Context, p *model.Pool) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidatePool(ctx context.Context, poolID string) {
	s.rdb.Del(ctx, poolKey(poolID), openPositionsKey(poolID))
}

func poolKey(id string) string          { return fmt.Sprintf("pool:%s", id) }
func openPositionsKey(id string) string { return fmt.Sprintf("pool:%s:open", id) }
