// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

var (
	// ErrPoolNotFound is returned when a pool id does not exist.
	ErrPoolNotFound = errors.New("store: pool not found")

	// ErrPositionNotFound is returned when a position id does not exist.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrPositionClosed is returned when a close is attempted on a
	// position whose closed_at is already set. The OPEN→CLOSED transition
	// is one-way; the second attempt must be a no-op, never a double credit.
	ErrPositionClosed = errors.New("store: position already closed")

	// ErrVersionConflict is returned when the pool's optimistic version
	// check fails, meaning a concurrent writer got there first.
	ErrVersionConflict = errors.New("store: pool version conflict")

	// ErrDepositNotFound is returned when a deposit id does not exist.
	ErrDepositNotFound = errors.New("store: deposit not found")
)

// DepositUpdate describes how a withdrawal consumes one PoolDeposit row:
// either fully (WithdrawnAt set) or partially (remaining shares and cost
// basis reduced in place).
type DepositUpdate struct {
	ID              string
	SharesRemaining decimal.Decimal
	AmountRemaining decimal.Decimal
	WithdrawnAt     *time.Time
}

// Store is the persistence interface. Balance-mutating operations take the
// pool with its new field values already applied plus the Version it was
// read at; implementations commit the update only if the stored version
// still matches, then bump pool.Version. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pool aggregate ---

	// CreatePool persists a new pool.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// --- Positions ---

	// GetPosition retrieves a position by its ID, open or closed.
	GetPosition(ctx context.Context, id string) (*model.PoolPosition, error)

	// ListOpenPositions returns all positions of a pool with closed_at null.
	ListOpenPositions(ctx context.Context, poolID string) ([]model.PoolPosition, error)

	// OpenPosition atomically applies an open: updates the pool balances,
	// inserts the new position, and appends the audit trade.
	OpenPosition(ctx context.Context, pool *model.Pool, pos *model.PoolPosition, trade *model.NPCTrade) error

	// ClosePosition atomically applies a close: the one-way OPEN→CLOSED
	// transition on the position (ErrPositionClosed if closed_at was no
	// longer null at write time), the pool credit, and the audit trade.
	ClosePosition(ctx context.Context, pool *model.Pool, positionID string, closedAt time.Time,
		realizedPnL decimal.Decimal, liquidated bool, trade *model.NPCTrade) error

	// --- Investor deposits ---

	// RecordDeposit atomically applies a deposit: pool balances plus the
	// new PoolDeposit row.
	RecordDeposit(ctx context.Context, pool *model.Pool, dep *model.PoolDeposit) error

	// RecordWithdrawal atomically applies a withdrawal: pool balances plus
	// FIFO consumption of the investor's deposit rows.
	RecordWithdrawal(ctx context.Context, pool *model.Pool, updates []DepositUpdate) error

	// ListActiveDeposits returns an investor's un-withdrawn deposits for a
	// pool, oldest first.
	ListActiveDeposits(ctx context.Context, poolID, investorID string) ([]model.PoolDeposit, error)

	// --- Immutable audit trail ---

	// ListTradesByPool returns all audit rows for a pool, oldest first.
	ListTradesByPool(ctx context.Context, poolID string) ([]model.NPCTrade, error)
}
