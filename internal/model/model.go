// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType distinguishes the two instrument families the engine settles.
type MarketType string

const (
	MarketPerp       MarketType = "perp"
	MarketPrediction MarketType = "prediction"
)

// Valid reports whether mt is one of the supported market types.
func (mt MarketType) Valid() bool {
	return mt == MarketPerp || mt == MarketPrediction
}

// Side is the direction of a position. Perps use long/short, prediction
// markets use yes/no.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideYes   Side = "yes"
	SideNo    Side = "no"
)

// Pool is the aggregate root for one NPC-managed capital pool. All balance
// mutations go through the store's transactional writes with an optimistic
// check on Version.
type Pool struct {
	ID                 string          `json:"id" db:"id"`
	NPCActorID         string          `json:"npc_actor_id" db:"npc_actor_id"`
	AvailableBalance   decimal.Decimal `json:"available_balance" db:"available_balance"` // liquid cash, never negative
	TotalDeposits      decimal.Decimal `json:"total_deposits" db:"total_deposits"`
	TotalShares        decimal.Decimal `json:"total_shares" db:"total_shares"`
	SharePrice         decimal.Decimal `json:"share_price" db:"share_price"` // cached NAV/shares from last valuation
	TotalFeesCollected decimal.Decimal `json:"total_fees_collected" db:"total_fees_collected"`
	LifetimePnL        decimal.Decimal `json:"lifetime_pnl" db:"lifetime_pnl"`
	IsActive           bool            `json:"is_active" db:"is_active"`
	Version            int64           `json:"version" db:"version"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// PoolPosition is a single open or closed position held by a pool.
// Created once on open, mutated exactly once on close, never deleted —
// after closing it is a historical ledger entry.
//
// Invariant: ClosedAt == nil ⟺ RealizedPnL == nil.
type PoolPosition struct {
	ID         string     `json:"id" db:"id"`
	PoolID     string     `json:"pool_id" db:"pool_id"`
	Symbol     string     `json:"symbol" db:"symbol"` // ticker (perp) or market id (prediction)
	MarketType MarketType `json:"market_type" db:"market_type"`
	Side       Side       `json:"side" db:"side"`

	// Size is notional for perps, share count for prediction markets.
	Size       decimal.Decimal `json:"size" db:"size"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	Leverage   int64           `json:"leverage" db:"leverage"` // 1 for prediction markets
	Margin     decimal.Decimal `json:"margin" db:"margin"`     // capital committed at open

	// LiquidationPrice is zero for prediction markets (no leverage).
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`

	OpenedAt    time.Time        `json:"opened_at" db:"opened_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`
	Liquidated  bool             `json:"liquidated" db:"liquidated"` // closure was forced by the liquidation sweep
}

// IsOpen reports whether the position has not been settled yet.
func (p *PoolPosition) IsOpen() bool {
	return p.ClosedAt == nil
}

// PoolDeposit records one investor deposit into a pool. WithdrawnAt stays
// nil while the deposit is held; cost-basis tracking on withdrawal consumes
// deposits FIFO, splitting the last record when partially consumed.
type PoolDeposit struct {
	ID           string          `json:"id" db:"id"`
	PoolID       string          `json:"pool_id" db:"pool_id"`
	InvestorID   string          `json:"investor_id" db:"investor_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	SharesIssued decimal.Decimal `json:"shares_issued" db:"shares_issued"`
	DepositedAt  time.Time       `json:"deposited_at" db:"deposited_at"`
	WithdrawnAt  *time.Time      `json:"withdrawn_at,omitempty" db:"withdrawn_at"`
}

// NPCTrade is an immutable audit record of one executed decision.
// Once created, these are never modified or deleted — they are the system's
// audit trail for reproducing every balance change.
type NPCTrade struct {
	ID         string          `json:"id" db:"id"`
	PoolID     string          `json:"pool_id" db:"pool_id"`
	ActorID    string          `json:"actor_id" db:"actor_id"`
	Action     string          `json:"action" db:"action"` // open_long, open_short, close_position
	MarketType MarketType      `json:"market_type" db:"market_type"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Forced     bool            `json:"forced" db:"forced"` // liquidation sweep closure
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// OpenPositionView is an open position annotated with its current
// mark-to-market state for reporting.
type OpenPositionView struct {
	PoolPosition
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// PoolPerformance aggregates a pool's valuation for reporting.
type PoolPerformance struct {
	PoolID             string             `json:"pool_id"`
	TotalValue         decimal.Decimal    `json:"total_value"` // NAV: cash + open position value
	LifetimePnL        decimal.Decimal    `json:"lifetime_pnl"`
	TotalFeesCollected decimal.Decimal    `json:"total_fees_collected"`
	SharePrice         decimal.Decimal    `json:"share_price"`
	OpenPositions      []OpenPositionView `json:"open_positions"`
}
