package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
	"github.com/lalalune/babylon-sub005/internal/store"
)

func seedPool(t *testing.T, ms *store.MemoryStore) *model.Pool {
	t.Helper()
	pool := &model.Pool{
		ID:               uuid.NewString(),
		NPCActorID:       "npc-1",
		AvailableBalance: decimal.NewFromInt(1000),
		SharePrice:       decimal.NewFromInt(1),
		IsActive:         true,
		CreatedAt:        time.Now().UTC(),
	}
	if err := ms.CreatePool(context.Background(), pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func seedOpenPosition(t *testing.T, ms *store.MemoryStore, pool *model.Pool) *model.PoolPosition {
	t.Helper()
	pos := &model.PoolPosition{
		ID:         uuid.NewString(),
		PoolID:     pool.ID,
		Symbol:     "BTC",
		MarketType: model.MarketPerp,
		Side:       model.SideLong,
		Size:       decimal.NewFromInt(500),
		EntryPrice: decimal.NewFromInt(100),
		Leverage:   5,
		Margin:     decimal.NewFromInt(100),
		OpenedAt:   time.Now().UTC(),
	}
	trade := &model.NPCTrade{ID: uuid.NewString(), PoolID: pool.ID, Action: "open_long"}
	if err := ms.OpenPosition(context.Background(), pool, pos, trade); err != nil {
		t.Fatalf("open position: %v", err)
	}
	return pos
}

func TestOpenPosition_StaleVersionRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	pool := seedPool(t, ms)

	stale, _ := ms.GetPool(ctx, pool.ID)
	fresh, _ := ms.GetPool(ctx, pool.ID)

	seedOpenPosition(t, ms, fresh) // bumps the version

	pos := &model.PoolPosition{ID: uuid.NewString(), PoolID: pool.ID, MarketType: model.MarketPerp, OpenedAt: time.Now().UTC()}
	trade := &model.NPCTrade{ID: uuid.NewString(), PoolID: pool.ID}
	err := ms.OpenPosition(ctx, stale, pos, trade)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for stale snapshot, got %v", err)
	}

	// The rejected write must leave no position behind.
	if _, err := ms.GetPosition(ctx, pos.ID); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("rejected open should not persist a position, got %v", err)
	}
}

func TestClosePosition_OneWay(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	pool := seedPool(t, ms)
	pos := seedOpenPosition(t, ms, pool)

	now := time.Now().UTC()
	pnl := decimal.NewFromInt(25)
	trade := &model.NPCTrade{ID: uuid.NewString(), PoolID: pool.ID, Action: "close_position"}

	fresh, _ := ms.GetPool(ctx, pool.ID)
	if err := ms.ClosePosition(ctx, fresh, pos.ID, now, pnl, false, trade); err != nil {
		t.Fatalf("close: %v", err)
	}

	stored, _ := ms.GetPosition(ctx, pos.ID)
	if stored.IsOpen() {
		t.Fatal("position should be closed")
	}
	if stored.RealizedPnL == nil || !stored.RealizedPnL.Equal(pnl) {
		t.Errorf("expected realized pnl 25, got %v", stored.RealizedPnL)
	}

	// Closed is terminal: a second close fails before touching the pool.
	fresh, _ = ms.GetPool(ctx, pool.ID)
	before := fresh.Version
	err := ms.ClosePosition(ctx, fresh, pos.ID, now, pnl, false, trade)
	if !errors.Is(err, store.ErrPositionClosed) {
		t.Fatalf("expected ErrPositionClosed, got %v", err)
	}
	after, _ := ms.GetPool(ctx, pool.ID)
	if after.Version != before {
		t.Error("failed close must not bump the pool version")
	}
}

func TestClosePosition_Unknown(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	pool := seedPool(t, ms)

	fresh, _ := ms.GetPool(ctx, pool.ID)
	err := ms.ClosePosition(ctx, fresh, "missing", time.Now(), decimal.Zero, false, &model.NPCTrade{})
	if !errors.Is(err, store.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestListOpenPositions_ExcludesClosed(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	pool := seedPool(t, ms)

	first := seedOpenPosition(t, ms, pool)
	fresh, _ := ms.GetPool(ctx, pool.ID)
	second := seedOpenPosition(t, ms, fresh)

	fresh, _ = ms.GetPool(ctx, pool.ID)
	trade := &model.NPCTrade{ID: uuid.NewString(), PoolID: pool.ID, Action: "close_position"}
	if err := ms.ClosePosition(ctx, fresh, first.ID, time.Now().UTC(), decimal.Zero, false, trade); err != nil {
		t.Fatalf("close: %v", err)
	}

	open, err := ms.ListOpenPositions(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("expected only the second position open, got %d", len(open))
	}
}

func TestFIFODepositOrdering(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	pool := seedPool(t, ms)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		fresh, _ := ms.GetPool(ctx, pool.ID)
		dep := &model.PoolDeposit{
			ID:           uuid.NewString(),
			PoolID:       pool.ID,
			InvestorID:   "investor-1",
			Amount:       decimal.NewFromInt(int64(100 * (i + 1))),
			SharesIssued: decimal.NewFromInt(int64(100 * (i + 1))),
			DepositedAt:  base.Add(time.Duration(2-i) * time.Minute), // inserted newest-first
		}
		if err := ms.RecordDeposit(ctx, fresh, dep); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	active, err := ms.ListActiveDeposits(ctx, pool.ID, "investor-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 deposits, got %d", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i].DepositedAt.Before(active[i-1].DepositedAt) {
			t.Fatal("active deposits must come back oldest first")
		}
	}
}
