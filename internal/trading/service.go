// Package trading implements the NPC trading and settlement engine: it
// validates external trade decisions, opens and closes pool positions,
// runs the liquidation sweep, and values pools for investor share
// accounting.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/decision"
	"github.com/lalalune/babylon-sub005/internal/margin"
	"github.com/lalalune/babylon-sub005/internal/metrics"
	"github.com/lalalune/babylon-sub005/internal/model"
	"github.com/lalalune/babylon-sub005/internal/pricefeed"
	"github.com/lalalune/babylon-sub005/internal/risk"
	"github.com/lalalune/babylon-sub005/internal/store"
)

var (
	// ErrPoolInactive is returned when a decision targets a deactivated pool.
	ErrPoolInactive = errors.New("trading: pool is not active")

	// ErrInsufficientBalance is returned when the pool's liquid cash cannot
	// cover margin plus fee. Expected, frequent, cheap control flow.
	ErrInsufficientBalance = errors.New("trading: insufficient pool balance")

	// ErrLiquidity is returned when a withdrawal exceeds liquid cash, even
	// if NAV including unrealized position value would cover it.
	ErrLiquidity = errors.New("trading: withdrawal exceeds available liquidity")

	// ErrInsufficientShares is returned when an investor redeems more
	// shares than they hold.
	ErrInsufficientShares = errors.New("trading: insufficient shares")

	// ErrInvalidAmount is returned for non-positive deposit or withdrawal
	// quantities.
	ErrInvalidAmount = errors.New("trading: amount must be positive")
)

// bootstrapSharePrice values the first deposit into an empty pool.
var bootstrapSharePrice = decimal.NewFromInt(1)

// Service executes decisions and investor flows against pools. Mutations on
// the same pool are serialized by a per-pool mutex plus the store's
// optimistic version check; different pools proceed fully in parallel.
type Service struct {
	store   store.Store
	feed    pricefeed.Feed
	limiter *risk.Limiter
	hub     *Hub // optional WebSocket hub for real-time broadcasts

	mu        sync.Mutex
	poolLocks map[string]*sync.Mutex
}

// NewService creates a new trading service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, feed pricefeed.Feed, limiter *risk.Limiter, hub *Hub) *Service {
	return &Service{
		store:     st,
		feed:      feed,
		limiter:   limiter,
		hub:       hub,
		poolLocks: make(map[string]*sync.Mutex),
	}
}

// poolLock returns the mutex serializing balance mutations for one pool.
func (s *Service) poolLock(poolID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.poolLocks[poolID]
	if !ok {
		l = &sync.Mutex{}
		s.poolLocks[poolID] = l
	}
	return l
}

// CreatePool creates a new, empty, active pool managed by the given NPC actor.
func (s *Service) CreatePool(ctx context.Context, actorID string) (*model.Pool, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", decision.ErrValidation)
	}

	pool := &model.Pool{
		ID:                 uuid.New().String(),
		NPCActorID:         actorID,
		AvailableBalance:   decimal.Zero,
		TotalDeposits:      decimal.Zero,
		TotalShares:        decimal.Zero,
		SharePrice:         bootstrapSharePrice,
		TotalFeesCollected: decimal.Zero,
		LifetimePnL:        decimal.Zero,
		IsActive:           true,
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.store.CreatePool(ctx, pool); err != nil {
		return nil, err
	}

	slog.Info("pool created", "pool", pool.ID, "actor", actorID)
	return pool, nil
}

// GetPool returns a pool snapshot.
func (s *Service) GetPool(ctx context.Context, poolID string) (*model.Pool, error) {
	return s.store.GetPool(ctx, poolID)
}

// ListTrades returns the pool's immutable audit trail, oldest first.
func (s *Service) ListTrades(ctx context.Context, poolID string) ([]model.NPCTrade, error) {
	return s.store.ListTradesByPool(ctx, poolID)
}

// ExecuteDecision validates and dispatches one NPC decision. A successful
// execution writes exactly one audit row; any failure mutates nothing and
// is returned as a typed error, never propagated as a panic across the
// decision boundary — one bad decision must not abort a batch.
func (s *Service) ExecuteDecision(ctx context.Context, dec decision.Decision) decision.Result {
	start := time.Now()

	if err := dec.Validate(); err != nil {
		metrics.DecisionsTotal.WithLabelValues(string(dec.Action), "rejected").Inc()
		return decision.Result{Err: err}
	}

	var positionID string
	var err error

	switch dec.Action {
	case decision.OpenLong, decision.OpenShort:
		positionID, err = s.openPosition(ctx, &dec)
	case decision.ClosePosition:
		positionID = dec.PositionID
		err = s.closePosition(ctx, &dec)
	}

	status := "ok"
	if err != nil {
		status = "failed"
	}
	metrics.DecisionsTotal.WithLabelValues(string(dec.Action), status).Inc()
	metrics.DecisionLatency.WithLabelValues(string(dec.Action)).Observe(time.Since(start).Seconds())

	if err != nil {
		return decision.Result{Err: err}
	}
	return decision.Result{PositionID: positionID, Success: true}
}

// openPosition debits margin plus fee from the pool and creates the
// position. Price is resolved before the pool lock is taken: no blocking
// I/O inside the critical section.
func (s *Service) openPosition(ctx context.Context, dec *decision.Decision) (string, error) {
	raw, err := s.feed.GetPrice(ctx, dec.MarketType, dec.Symbol)
	if err != nil {
		return "", err
	}

	side := dec.Side()
	entry, err := entryPrice(dec.MarketType, side, raw)
	if err != nil {
		return "", err
	}

	lock := s.poolLock(dec.PoolID)
	lock.Lock()
	defer lock.Unlock()

	pool, err := s.store.GetPool(ctx, dec.PoolID)
	if err != nil {
		return "", err
	}
	if !pool.IsActive {
		return "", ErrPoolInactive
	}

	leverage := margin.DefaultLeverage(dec.MarketType)
	stake := dec.Amount
	notional := margin.Notional(stake, leverage)
	openFee := margin.Fee(notional)
	debit := stake.Add(openFee)

	open, err := s.store.ListOpenPositions(ctx, dec.PoolID)
	if err != nil {
		return "", err
	}
	if s.limiter != nil {
		if err := s.limiter.CheckLimit(dec.Symbol, notional, open); err != nil {
			metrics.ExposureRejections.Inc()
			return "", err
		}
	}

	if pool.AvailableBalance.LessThan(debit) {
		return "", fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientBalance, debit, pool.AvailableBalance)
	}

	now := time.Now().UTC()
	pos := &model.PoolPosition{
		ID:         uuid.New().String(),
		PoolID:     dec.PoolID,
		Symbol:     dec.Symbol,
		MarketType: dec.MarketType,
		Side:       side,
		EntryPrice: entry,
		Leverage:   leverage,
		Margin:     stake,
		OpenedAt:   now,
	}

	if dec.MarketType == model.MarketPerp {
		pos.Size = notional
		liq, err := margin.LiquidationPrice(entry, leverage, side)
		if err != nil {
			return "", fmt.Errorf("%w: %v", decision.ErrValidation, err)
		}
		pos.LiquidationPrice = liq
	} else {
		// Share count purchased at the entry probability.
		pos.Size = stake.DivRound(entry, margin.MoneyScale)
		pos.LiquidationPrice = decimal.Zero
	}

	pool.AvailableBalance = pool.AvailableBalance.Sub(debit)
	pool.TotalFeesCollected = pool.TotalFeesCollected.Add(openFee)

	trade := &model.NPCTrade{
		ID:         uuid.New().String(),
		PoolID:     pool.ID,
		ActorID:    pool.NPCActorID,
		Action:     string(dec.Action),
		MarketType: dec.MarketType,
		Symbol:     dec.Symbol,
		Amount:     debit, // cash moved out of the pool
		Price:      entry,
		ExecutedAt: now,
	}

	if err := s.store.OpenPosition(ctx, pool, pos, trade); err != nil {
		return "", err
	}

	slog.Info("position opened",
		"pool", pool.ID,
		"position", pos.ID,
		"symbol", pos.Symbol,
		"market_type", pos.MarketType,
		"side", pos.Side,
		"margin", stake.String(),
		"notional", notional.String(),
		"entry", entry.String(),
		"fee", openFee.String(),
		"reasoning", dec.Reasoning,
	)
	metrics.PositionsOpened.WithLabelValues(string(dec.MarketType)).Inc()
	s.broadcast(Event{
		Type:       "position_opened",
		PoolID:     pool.ID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		MarketType: string(pos.MarketType),
		Side:       string(pos.Side),
		Price:      entry.String(),
		Amount:     stake.String(),
	})

	return pos.ID, nil
}

// closePosition settles a position at the current feed price.
func (s *Service) closePosition(ctx context.Context, dec *decision.Decision) error {
	// Read the position first to learn its market; feed unavailability is
	// fatal only to this attempt, the position stays open for the next pass.
	pos, err := s.store.GetPosition(ctx, dec.PositionID)
	if err != nil {
		return err
	}
	if !pos.IsOpen() {
		return store.ErrPositionClosed
	}
	if pos.PoolID != dec.PoolID {
		return fmt.Errorf("%w: position %s does not belong to pool %s",
			store.ErrPositionNotFound, dec.PositionID, dec.PoolID)
	}

	raw, err := s.feed.GetPrice(ctx, pos.MarketType, pos.Symbol)
	if err != nil {
		return err
	}
	exit := sideAdjusted(pos.MarketType, pos.Side, raw)

	lock := s.poolLock(pos.PoolID)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.settleLocked(ctx, pos.PoolID, pos.ID, exit, false)
	return err
}

// settleLocked realizes a position's P&L and credits the pool. Caller must
// hold the pool lock. The store enforces the one-way OPEN→CLOSED transition,
// so a racing close and liquidation sweep can never both credit.
func (s *Service) settleLocked(ctx context.Context, poolID, positionID string, exit decimal.Decimal, forced bool) (decimal.Decimal, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return decimal.Zero, err
	}

	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return decimal.Zero, err
	}
	if !pos.IsOpen() {
		return decimal.Zero, store.ErrPositionClosed
	}

	realized := margin.UnrealizedPnL(pos, exit)

	// base is the collateral returned on close: committed margin for
	// perps, the original stake for prediction shares.
	var base, closeNotional decimal.Decimal
	liquidated := forced
	if pos.MarketType == model.MarketPerp {
		var clamped bool
		realized, clamped = margin.ClampRealized(realized, pos.Margin)
		liquidated = liquidated || clamped
		base = pos.Margin
		closeNotional = pos.Size
	} else {
		base = pos.Size.Mul(pos.EntryPrice)
		closeNotional = base
	}

	closeFee := margin.Fee(closeNotional)
	credit := base.Add(realized).Sub(closeFee)

	// A fully-liquidated position still owes its close fee; the pool
	// balance cannot go below zero.
	newBalance := pool.AvailableBalance.Add(credit)
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}

	now := time.Now().UTC()
	pool.AvailableBalance = newBalance
	pool.LifetimePnL = pool.LifetimePnL.Add(realized)
	pool.TotalFeesCollected = pool.TotalFeesCollected.Add(closeFee)

	trade := &model.NPCTrade{
		ID:         uuid.New().String(),
		PoolID:     pool.ID,
		ActorID:    pool.NPCActorID,
		Action:     string(decision.ClosePosition),
		MarketType: pos.MarketType,
		Symbol:     pos.Symbol,
		Amount:     credit, // cash returned to the pool
		Price:      exit,
		Forced:     forced,
		ExecutedAt: now,
	}

	if err := s.store.ClosePosition(ctx, pool, pos.ID, now, realized, liquidated, trade); err != nil {
		return decimal.Zero, err
	}

	slog.Info("position closed",
		"pool", pool.ID,
		"position", pos.ID,
		"symbol", pos.Symbol,
		"exit", exit.String(),
		"realized_pnl", realized.String(),
		"fee", closeFee.String(),
		"forced", forced,
		"liquidated", liquidated,
	)
	metrics.PositionsClosed.WithLabelValues(string(pos.MarketType), closeKind(forced)).Inc()
	s.broadcast(Event{
		Type:       "position_closed",
		PoolID:     pool.ID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		MarketType: string(pos.MarketType),
		Side:       string(pos.Side),
		Price:      exit.String(),
		Amount:     realized.String(),
		Forced:     forced,
	})

	return realized, nil
}

func closeKind(forced bool) string {
	if forced {
		return "forced"
	}
	return "manual"
}

// ForcedClosure describes one position closed by the liquidation sweep.
type ForcedClosure struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// SweepReport is the result of one liquidation sweep over a pool.
type SweepReport struct {
	PoolID    string          `json:"pool_id"`
	Checked   int             `json:"checked"`
	Forced    []ForcedClosure `json:"forced"`
	CheckedAt time.Time       `json:"checked_at"`
}

// CheckLiquidations force-closes every open leveraged position whose
// current price has crossed its liquidation price, settling at the
// liquidation price itself. Invoked periodically by an external scheduler.
// A position already closed by a racing manual close is skipped — the
// store's closed_at check makes the second attempt a no-op.
func (s *Service) CheckLiquidations(ctx context.Context, poolID string, prices map[string]decimal.Decimal) (*SweepReport, error) {
	lock := s.poolLock(poolID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}

	open, err := s.store.ListOpenPositions(ctx, poolID)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{
		PoolID:    poolID,
		CheckedAt: time.Now().UTC(),
		Forced:    []ForcedClosure{},
	}

	for i := range open {
		pos := &open[i]
		if pos.MarketType != model.MarketPerp {
			continue // prediction positions have no liquidation price
		}
		report.Checked++

		current, ok := prices[pos.Symbol]
		if !ok {
			slog.Warn("liquidation sweep missing price", "pool", poolID, "symbol", pos.Symbol)
			continue
		}
		if !margin.Crossed(current, pos.LiquidationPrice, pos.Side) {
			continue
		}

		realized, err := s.settleLocked(ctx, poolID, pos.ID, pos.LiquidationPrice, true)
		if errors.Is(err, store.ErrPositionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.ForcedClosures.Inc()
		report.Forced = append(report.Forced, ForcedClosure{
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			ExitPrice:   pos.LiquidationPrice,
			RealizedPnL: realized,
		})
	}

	return report, nil
}

// GetPoolPerformance values the pool mark-to-market: NAV, lifetime P&L,
// fees, and every open position with its unrealized P&L. Read-only.
func (s *Service) GetPoolPerformance(ctx context.Context, poolID string) (*model.PoolPerformance, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	open, err := s.store.ListOpenPositions(ctx, poolID)
	if err != nil {
		return nil, err
	}

	nav := pool.AvailableBalance
	views := make([]model.OpenPositionView, 0, len(open))

	for i := range open {
		pos := &open[i]
		raw, err := s.feed.GetPrice(ctx, pos.MarketType, pos.Symbol)
		if err != nil {
			return nil, err
		}
		current := sideAdjusted(pos.MarketType, pos.Side, raw)

		nav = nav.Add(margin.PositionValue(pos, current))
		views = append(views, model.OpenPositionView{
			PoolPosition:  *pos,
			CurrentPrice:  current,
			UnrealizedPnL: margin.UnrealizedPnL(pos, current),
		})
	}

	return &model.PoolPerformance{
		PoolID:             pool.ID,
		TotalValue:         nav,
		LifetimePnL:        pool.LifetimePnL,
		TotalFeesCollected: pool.TotalFeesCollected,
		SharePrice:         sharePrice(nav, pool.TotalShares),
		OpenPositions:      views,
	}, nil
}

// entryPrice normalizes the feed price to the traded side and validates it.
// Prediction feeds quote the YES outcome; a NO position trades at 1 − p.
func entryPrice(mt model.MarketType, side model.Side, raw decimal.Decimal) (decimal.Decimal, error) {
	price := sideAdjusted(mt, side, raw)
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", decision.ErrValidation, raw)
	}
	if mt == model.MarketPrediction && price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: prediction price %s outside (0,1)", decision.ErrValidation, raw)
	}
	return price, nil
}

// sideAdjusted converts a raw feed price into the price of the instrument
// the position actually holds.
func sideAdjusted(mt model.MarketType, side model.Side, raw decimal.Decimal) decimal.Decimal {
	if mt == model.MarketPrediction && side == model.SideNo {
		return decimal.NewFromInt(1).Sub(raw)
	}
	return raw
}

// sharePrice is NAV per share, or the fixed bootstrap price for an empty pool.
func sharePrice(nav, totalShares decimal.Decimal) decimal.Decimal {
	if totalShares.LessThanOrEqual(decimal.Zero) {
		return bootstrapSharePrice
	}
	return nav.DivRound(totalShares, margin.MoneyScale)
}

func (s *Service) broadcast(ev Event) {
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
}
