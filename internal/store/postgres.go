package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Balance-mutating operations run in a single transaction with an
// optimistic version check on the pool row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, npc_actor_id, available_balance, total_deposits, total_shares,
		                    share_price, total_fees_collected, lifetime_pnl, is_active, version, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		p.ID, p.NPCActorID,
		p.AvailableBalance.String(), p.TotalDeposits.String(), p.TotalShares.String(),
		p.SharePrice.String(), p.TotalFeesCollected.String(), p.LifetimePnL.String(),
		p.IsActive, p.Version, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return scanPool(s.pool.QueryRow(ctx,
		`SELECT id, npc_actor_id,
		        available_balance::TEXT, total_deposits::TEXT, total_shares::TEXT,
		        share_price::TEXT, total_fees_collected::TEXT, lifetime_pnl::TEXT,
		        is_active, version, created_at
		 FROM pools WHERE id = $1`, id))
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var balance, deposits, shares, price, fees, pnl string

	err := row.Scan(&p.ID, &p.NPCActorID,
		&balance, &deposits, &shares, &price, &fees, &pnl,
		&p.IsActive, &p.Version, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}

	p.AvailableBalance, _ = decimal.NewFromString(balance)
	p.TotalDeposits, _ = decimal.NewFromString(deposits)
	p.TotalShares, _ = decimal.NewFromString(shares)
	p.SharePrice, _ = decimal.NewFromString(price)
	p.TotalFeesCollected, _ = decimal.NewFromString(fees)
	p.LifetimePnL, _ = decimal.NewFromString(pnl)

	return &p, nil
}

// updatePoolTx writes the pool snapshot inside tx. The WHERE version clause
// is the optimistic check: zero rows affected means a concurrent writer won.
func updatePoolTx(ctx context.Context, tx pgx.Tx, p *model.Pool) error {
	tag, err := tx.Exec(ctx,
		`UPDATE pools
		 SET available_balance = $2::NUMERIC, total_deposits = $3::NUMERIC,
		     total_shares = $4::NUMERIC, share_price = $5::NUMERIC,
		     total_fees_collected = $6::NUMERIC, lifetime_pnl = $7::NUMERIC,
		     is_active = $8, version = version + 1
		 WHERE id = $1 AND version = $9`,
		p.ID,
		p.AvailableBalance.String(), p.TotalDeposits.String(),
		p.TotalShares.String(), p.SharePrice.String(),
		p.TotalFeesCollected.String(), p.LifetimePnL.String(),
		p.IsActive, p.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func insertTradeTx(ctx context.Context, tx pgx.Tx, t *model.NPCTrade) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO npc_trades (id, pool_id, actor_id, action, market_type, symbol, amount, price, forced, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.PoolID, t.ActorID, t.Action, string(t.MarketType), t.Symbol,
		t.Amount.String(), t.Price.String(), t.Forced, t.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.PoolPosition, error) {
	rows, err := s.pool.Query(ctx, positionSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrPositionNotFound
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, poolID string) ([]model.PoolPosition, error) {
	rows, err := s.pool.Query(ctx,
		positionSelect+` WHERE pool_id = $1 AND closed_at IS NULL ORDER BY opened_at`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

const positionSelect = `SELECT id, pool_id, symbol, market_type, side,
       size::TEXT, entry_price::TEXT, leverage, margin::TEXT, liquidation_price::TEXT,
       opened_at, closed_at, realized_pnl::TEXT, liquidated
  FROM pool_positions`

func scanPositions(rows pgx.Rows) ([]model.PoolPosition, error) {
	var positions []model.PoolPosition
	for rows.Next() {
		var p model.PoolPosition
		var size, entry, margin, liq string
		var realized *string

		if err := rows.Scan(&p.ID, &p.PoolID, &p.Symbol, &p.MarketType, &p.Side,
			&size, &entry, &p.Leverage, &margin, &liq,
			&p.OpenedAt, &p.ClosedAt, &realized, &p.Liquidated); err != nil {
			return nil, err
		}

		p.Size, _ = decimal.NewFromString(size)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.Margin, _ = decimal.NewFromString(margin)
		p.LiquidationPrice, _ = decimal.NewFromString(liq)
		if realized != nil {
			pnl, _ := decimal.NewFromString(*realized)
			p.RealizedPnL = &pnl
		}

		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) OpenPosition(ctx context.Context, pool *model.Pool, pos *model.PoolPosition, trade *model.NPCTrade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updatePoolTx(ctx, tx, pool); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pool_positions (id, pool_id, symbol, market_type, side, size, entry_price,
		                             leverage, margin, liquidation_price, opened_at, liquidated)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11, FALSE)`,
		pos.ID, pos.PoolID, pos.Symbol, string(pos.MarketType), string(pos.Side),
		pos.Size.String(), pos.EntryPrice.String(),
		pos.Leverage, pos.Margin.String(), pos.LiquidationPrice.String(),
		pos.OpenedAt,
	)
	if err != nil {
		return err
	}

	if err := insertTradeTx(ctx, tx, trade); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ClosePosition(ctx context.Context, pool *model.Pool, positionID string, closedAt time.Time,
	realizedPnL decimal.Decimal, liquidated bool, trade *model.NPCTrade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// One-way OPEN→CLOSED transition: the closed_at IS NULL predicate is
	// the optimistic check that makes a concurrent second close a no-op.
	tag, err := tx.Exec(ctx,
		`UPDATE pool_positions
		 SET closed_at = $2, realized_pnl = $3::NUMERIC, liquidated = $4
		 WHERE id = $1 AND closed_at IS NULL`,
		positionID, closedAt, realizedPnL.String(), liquidated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pool_positions WHERE id = $1)`, positionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPositionNotFound
		}
		return ErrPositionClosed
	}

	if err := updatePoolTx(ctx, tx, pool); err != nil {
		return err
	}

	if err := insertTradeTx(ctx, tx, trade); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordDeposit(ctx context.Context, pool *model.Pool, dep *model.PoolDeposit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updatePoolTx(ctx, tx, pool); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pool_deposits (id, pool_id, investor_id, amount, shares_issued, deposited_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		dep.ID, dep.PoolID, dep.InvestorID,
		dep.Amount.String(), dep.SharesIssued.String(), dep.DepositedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordWithdrawal(ctx context.Context, pool *model.Pool, updates []DepositUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updatePoolTx(ctx, tx, pool); err != nil {
		return err
	}

	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`UPDATE pool_deposits
			 SET shares_issued = $2::NUMERIC, amount = $3::NUMERIC, withdrawn_at = $4
			 WHERE id = $1`,
			u.ID, u.SharesRemaining.String(), u.AmountRemaining.String(), u.WithdrawnAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDepositNotFound
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListActiveDeposits(ctx context.Context, poolID, investorID string) ([]model.PoolDeposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, investor_id, amount::TEXT, shares_issued::TEXT, deposited_at, withdrawn_at
		 FROM pool_deposits
		 WHERE pool_id = $1 AND investor_id = $2 AND withdrawn_at IS NULL
		 ORDER BY deposited_at`, poolID, investorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []model.PoolDeposit
	for rows.Next() {
		var d model.PoolDeposit
		var amount, shares string

		if err := rows.Scan(&d.ID, &d.PoolID, &d.InvestorID, &amount, &shares,
			&d.DepositedAt, &d.WithdrawnAt); err != nil {
			return nil, err
		}
		d.Amount, _ = decimal.NewFromString(amount)
		d.SharesIssued, _ = decimal.NewFromString(shares)
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

func (s *PostgresStore) ListTradesByPool(ctx context.Context, poolID string) ([]model.NPCTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, actor_id, action, market_type, symbol, amount::TEXT, price::TEXT, forced, executed_at
		 FROM npc_trades WHERE pool_id = $1 ORDER BY executed_at`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.NPCTrade
	for rows.Next() {
		var t model.NPCTrade
		var amount, price string

		if err := rows.Scan(&t.ID, &t.PoolID, &t.ActorID, &t.Action, &t.MarketType, &t.Symbol,
			&amount, &price, &t.Forced, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.Price, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
