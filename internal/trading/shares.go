package trading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/margin"
	"github.com/lalalune/babylon-sub005/internal/metrics"
	"github.com/lalalune/babylon-sub005/internal/model"
	"github.com/lalalune/babylon-sub005/internal/pricefeed"
	"github.com/lalalune/babylon-sub005/internal/store"
)

// WithdrawResult is the settlement of one investor withdrawal. NetPnL is
// consumed by the external reward/points system.
type WithdrawResult struct {
	PoolID          string          `json:"pool_id"`
	InvestorID      string          `json:"investor_id"`
	SharesRedeemed  decimal.Decimal `json:"shares_redeemed"`
	Amount          decimal.Decimal `json:"amount"`
	NetPnL          decimal.Decimal `json:"net_pnl"`
	SharePriceAtOut decimal.Decimal `json:"share_price"`
}

// Deposit converts an investor's cash into pool shares at the current share
// price (NAV per share, bootstrap 1.0 for an empty pool).
func (s *Service) Deposit(ctx context.Context, poolID, investorID string, amount decimal.Decimal) (*model.PoolDeposit, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
	}
	if investorID == "" {
		return nil, fmt.Errorf("%w: investor id is required", ErrInvalidAmount)
	}

	// Resolve prices before taking the pool lock.
	prices, err := s.prefetchPrices(ctx, poolID)
	if err != nil {
		return nil, err
	}

	lock := s.poolLock(poolID)
	lock.Lock()
	defer lock.Unlock()

	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !pool.IsActive {
		return nil, ErrPoolInactive
	}

	nav, err := s.navLocked(ctx, pool, prices)
	if err != nil {
		return nil, err
	}

	price := sharePrice(nav, pool.TotalShares)
	shares := amount.DivRound(price, margin.MoneyScale)

	now := time.Now().UTC()
	pool.AvailableBalance = pool.AvailableBalance.Add(amount)
	pool.TotalDeposits = pool.TotalDeposits.Add(amount)
	pool.TotalShares = pool.TotalShares.Add(shares)
	pool.SharePrice = price

	dep := &model.PoolDeposit{
		ID:           uuid.New().String(),
		PoolID:       poolID,
		InvestorID:   investorID,
		Amount:       amount,
		SharesIssued: shares,
		DepositedAt:  now,
	}

	if err := s.store.RecordDeposit(ctx, pool, dep); err != nil {
		return nil, err
	}

	slog.Info("deposit recorded",
		"pool", poolID,
		"investor", investorID,
		"amount", amount.String(),
		"shares", shares.String(),
		"share_price", price.String(),
	)
	metrics.DepositsTotal.Inc()

	return dep, nil
}

// Withdraw redeems shares for cash at the current share price. Withdrawals
// are bounded by liquid cash: if the cash amount exceeds availableBalance
// the call fails with ErrLiquidity even when NAV including unrealized,
// illiquid position value would cover it. Cost basis is consumed FIFO
// across the investor's deposits; NetPnL is amount minus consumed basis.
func (s *Service) Withdraw(ctx context.Context, poolID, investorID string, shares decimal.Decimal) (*WithdrawResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: shares %s", ErrInvalidAmount, shares)
	}

	prices, err := s.prefetchPrices(ctx, poolID)
	if err != nil {
		return nil, err
	}

	lock := s.poolLock(poolID)
	lock.Lock()
	defer lock.Unlock()

	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	deposits, err := s.store.ListActiveDeposits(ctx, poolID, investorID)
	if err != nil {
		return nil, err
	}

	held := decimal.Zero
	for _, d := range deposits {
		held = held.Add(d.SharesIssued)
	}
	if held.LessThan(shares) {
		return nil, fmt.Errorf("%w: redeeming %s, holding %s", ErrInsufficientShares, shares, held)
	}

	nav, err := s.navLocked(ctx, pool, prices)
	if err != nil {
		return nil, err
	}

	price := sharePrice(nav, pool.TotalShares)
	amount := shares.Mul(price)

	if amount.GreaterThan(pool.AvailableBalance) {
		return nil, fmt.Errorf("%w: %s requested, %s liquid",
			ErrLiquidity, amount, pool.AvailableBalance)
	}

	now := time.Now().UTC()
	updates, basis := consumeFIFO(deposits, shares, now)

	pool.AvailableBalance = pool.AvailableBalance.Sub(amount)
	pool.TotalShares = pool.TotalShares.Sub(shares)
	pool.SharePrice = price

	if err := s.store.RecordWithdrawal(ctx, pool, updates); err != nil {
		return nil, err
	}

	netPnL := amount.Sub(basis)
	slog.Info("withdrawal settled",
		"pool", poolID,
		"investor", investorID,
		"shares", shares.String(),
		"amount", amount.String(),
		"basis", basis.String(),
		"net_pnl", netPnL.String(),
	)
	metrics.WithdrawalsTotal.Inc()

	return &WithdrawResult{
		PoolID:          poolID,
		InvestorID:      investorID,
		SharesRedeemed:  shares,
		Amount:          amount,
		NetPnL:          netPnL,
		SharePriceAtOut: price,
	}, nil
}

// consumeFIFO walks an investor's deposits oldest first, consuming shares
// until the redemption is covered. A partially consumed deposit keeps its
// row with shares and cost basis reduced proportionally. Returns the store
// updates and the total cost basis consumed.
func consumeFIFO(deposits []model.PoolDeposit, shares decimal.Decimal, now time.Time) ([]store.DepositUpdate, decimal.Decimal) {
	remaining := shares
	basis := decimal.Zero
	var updates []store.DepositUpdate

	for i := range deposits {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		dep := &deposits[i]

		if dep.SharesIssued.LessThanOrEqual(remaining) {
			at := now
			basis = basis.Add(dep.Amount)
			remaining = remaining.Sub(dep.SharesIssued)
			updates = append(updates, store.DepositUpdate{
				ID:              dep.ID,
				SharesRemaining: dep.SharesIssued,
				AmountRemaining: dep.Amount,
				WithdrawnAt:     &at,
			})
			continue
		}

		consumed := dep.Amount.Mul(remaining).DivRound(dep.SharesIssued, margin.MoneyScale)
		basis = basis.Add(consumed)
		updates = append(updates, store.DepositUpdate{
			ID:              dep.ID,
			SharesRemaining: dep.SharesIssued.Sub(remaining),
			AmountRemaining: dep.Amount.Sub(consumed),
		})
		remaining = decimal.Zero
	}

	return updates, basis
}

// prefetchPrices resolves raw feed prices for every market the pool
// currently holds, keyed by market type and symbol. Runs before the pool
// lock so the critical section does no feed I/O.
func (s *Service) prefetchPrices(ctx context.Context, poolID string) (map[string]decimal.Decimal, error) {
	open, err := s.store.ListOpenPositions(ctx, poolID)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(open))
	for i := range open {
		pos := &open[i]
		key := priceKey(pos.MarketType, pos.Symbol)
		if _, ok := prices[key]; ok {
			continue
		}
		raw, err := s.feed.GetPrice(ctx, pos.MarketType, pos.Symbol)
		if err != nil {
			return nil, err
		}
		prices[key] = raw
	}
	return prices, nil
}

// navLocked computes NAV from the pool's liquid cash plus the mark-to-market
// value of its open positions, using prices resolved before the lock. A
// position opened between prefetch and lock reads as unavailable and the
// caller retries.
func (s *Service) navLocked(ctx context.Context, pool *model.Pool, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	open, err := s.store.ListOpenPositions(ctx, pool.ID)
	if err != nil {
		return decimal.Zero, err
	}

	nav := pool.AvailableBalance
	for i := range open {
		pos := &open[i]
		raw, ok := prices[priceKey(pos.MarketType, pos.Symbol)]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s %s", pricefeed.ErrUnavailable, pos.MarketType, pos.Symbol)
		}
		current := sideAdjusted(pos.MarketType, pos.Side, raw)
		nav = nav.Add(margin.PositionValue(pos, current))
	}
	return nav, nil
}

func priceKey(mt model.MarketType, symbol string) string {
	return string(mt) + ":" + symbol
}
