package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*model.Pool
	positions map[string]*model.PoolPosition
	deposits  map[string]*model.PoolDeposit
	trades    []model.NPCTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]*model.Pool),
		positions: make(map[string]*model.PoolPosition),
		deposits:  make(map[string]*model.PoolDeposit),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, pool *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pool
	s.pools[pool.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	cp := *p
	return &cp, nil
}

// applyPool commits the caller's pool snapshot if the stored version still
// matches, then bumps both versions. Caller must hold s.mu.
func (s *MemoryStore) applyPool(pool *model.Pool) error {
	stored, ok := s.pools[pool.ID]
	if !ok {
		return ErrPoolNotFound
	}
	if stored.Version != pool.Version {
		return ErrVersionConflict
	}

	cp := *pool
	cp.Version++
	s.pools[pool.ID] = &cp
	pool.Version = cp.Version
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.PoolPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, poolID string) ([]model.PoolPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []model.PoolPosition
	for _, p := range s.positions {
		if p.PoolID == poolID && p.IsOpen() {
			open = append(open, *p)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OpenedAt.Before(open[j].OpenedAt) })
	return open, nil
}

func (s *MemoryStore) OpenPosition(_ context.Context, pool *model.Pool, pos *model.PoolPosition, trade *model.NPCTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyPool(pool); err != nil {
		return err
	}

	cp := *pos
	s.positions[pos.ID] = &cp
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, pool *model.Pool, positionID string, closedAt time.Time,
	realizedPnL decimal.Decimal, liquidated bool, trade *model.NPCTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return ErrPositionNotFound
	}
	if !pos.IsOpen() {
		return ErrPositionClosed
	}

	if err := s.applyPool(pool); err != nil {
		return err
	}

	at := closedAt
	pnl := realizedPnL
	pos.ClosedAt = &at
	pos.RealizedPnL = &pnl
	pos.Liquidated = liquidated
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *MemoryStore) RecordDeposit(_ context.Context, pool *model.Pool, dep *model.PoolDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyPool(pool); err != nil {
		return err
	}

	cp := *dep
	s.deposits[dep.ID] = &cp
	return nil
}

func (s *MemoryStore) RecordWithdrawal(_ context.Context, pool *model.Pool, updates []DepositUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, ok := s.deposits[u.ID]; !ok {
			return ErrDepositNotFound
		}
	}

	if err := s.applyPool(pool); err != nil {
		return err
	}

	for _, u := range updates {
		dep := s.deposits[u.ID]
		dep.SharesIssued = u.SharesRemaining
		dep.Amount = u.AmountRemaining
		dep.WithdrawnAt = u.WithdrawnAt
	}
	return nil
}

func (s *MemoryStore) ListActiveDeposits(_ context.Context, poolID, investorID string) ([]model.PoolDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []model.PoolDeposit
	for _, dep := range s.deposits {
		if dep.PoolID == poolID && dep.InvestorID == investorID && dep.WithdrawnAt == nil {
			active = append(active, *dep)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].DepositedAt.Before(active[j].DepositedAt) })
	return active, nil
}

func (s *MemoryStore) ListTradesByPool(_ context.Context, poolID string) ([]model.NPCTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.NPCTrade
	for _, t := range s.trades {
		if t.PoolID == poolID {
			result = append(result, t)
		}
	}
	return result, nil
}
