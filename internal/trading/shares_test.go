package trading_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/lalalune/babylon-sub005/internal/model"
	"github.com/lalalune/babylon-sub005/internal/trading"
)

func TestDeposit_BootstrapSharePrice(t *testing.T) {
	svc, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	pool, err := svc.CreatePool(ctx, "npc-1")
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	// Empty pool values shares at 1.00.
	dep, err := svc.Deposit(ctx, pool.ID, "investor-1", d(2500))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !dep.SharesIssued.Equal(d(2500)) {
		t.Errorf("bootstrap deposit should mint 1 share per unit, got %s", dep.SharesIssued)
	}

	pool, _ = svc.GetPool(ctx, pool.ID)
	if !pool.AvailableBalance.Equal(d(2500)) {
		t.Errorf("expected balance 2500, got %s", pool.AvailableBalance)
	}
	if !pool.TotalShares.Equal(d(2500)) {
		t.Errorf("expected 2500 shares outstanding, got %s", pool.TotalShares)
	}
	if !pool.TotalDeposits.Equal(d(2500)) {
		t.Errorf("expected total deposits 2500, got %s", pool.TotalDeposits)
	}
}

func TestDeposit_PricedAtNAV(t *testing.T) {
	svc, _, feed, _ := newTestEnv(t)
	feed.SetPrice(model.MarketPerp, "BTC", d(100))
	pool := fundedPool(t, svc, 10000)
	ctx := context.Background()

	// Open margin 1000 (notional 5000) then let it run 20% up:
	// NAV = 8995 cash + (1000 + 1000) = 10995 → share price 1.0995.
	svc.ExecuteDecision(ctx, openLong(pool.ID, 1000))
	feed.SetPrice(model.MarketPerp, "BTC", d(120))

	dep, err := svc.Deposit(ctx, pool.ID, "investor-2", d(2199))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !dep.SharesIssued.Equal(d(2000)) {
		t.Errorf("2199 at share price 1.0995 should mint 2000 shares, got %s", dep.SharesIssued)
	}

	// The late investor does not dilute the early one.
	pool, _ = svc.GetPool(ctx, pool.ID)
	if !pool.TotalShares.Equal(d(12000)) {
		t.Errorf("expected 12000 shares outstanding, got %s", pool.TotalShares)
	}
}

func TestDeposit_Invalid(t *testing.T) {
	svc, _, _, _ := newTestEnv(t)
	ctx := context.Background()
	pool, _ := svc.CreatePool(ctx, "npc-1")

	if _, err := svc.Deposit(ctx, pool.ID, "investor-1", d(0)); !errors.Is(err, trading.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := svc.Deposit(ctx, pool.ID, "investor-1", d(-10)); !errors.Is(err, trading.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := svc.Deposit(ctx, pool.ID, "", d(10)); !errors.Is(err, trading.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for missing investor, got %v", err)
	}
}

func TestWithdraw_FullWithProfit(t *testing.T) {
	svc, ms, feed, _ := newTestEnv(t)
	feed.SetPrice(model.MarketPerp, "BTC", d(100))
	pool := fundedPool(t, svc, 10000)
	ctx := context.Background()

	// Round-trip a winning trade: balance 10990, no open positions.
	res := svc.ExecuteDecision(ctx, openLong(pool.ID, 1000))
	feed.SetPrice(model.MarketPerp, "BTC", d(120))
	svc.ExecuteDecision(ctx, closeDecision(pool.ID, res.PositionID))

	// 10000 shares against NAV 10990 → share price 1.099.
	result, err := svc.Withdraw(ctx, pool.ID, "investor-1", d(10000))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !result.Amount.Equal(d(10990)) {
		t.Errorf("expected payout 10990, got %s", result.Amount)
	}
	// FIFO cost basis 10000 → net pnl 990.
	if !result.NetPnL.Equal(d(990)) {
		t.Errorf("expected net pnl 990, got %s", result.NetPnL)
	}

	pool, _ = svc.GetPool(ctx, pool.ID)
	if !pool.AvailableBalance.IsZero() {
		t.Errorf("expected empty pool, balance %s", pool.AvailableBalance)
	}
	if !pool.TotalShares.IsZero() {
		t.Errorf("expected no shares outstanding, got %s", pool.TotalShares)
	}

	active, _ := ms.ListActiveDeposits(ctx, pool.ID, "investor-1")
	if len(active) != 0 {
		t.Errorf("deposit should be fully consumed, %d rows remain", len(active))
	}
}

func TestWithdraw_FIFOPartialConsumption(t *testing.T) {
	svc, ms, _, _ := newTestEnv(t)
	ctx := context.Background()

	pool, _ := svc.CreatePool(ctx, "npc-1")
	svc.Deposit(ctx, pool.ID, "investor-1", d(1000))
	svc.Deposit(ctx, pool.ID, "investor-1", d(500))

	// Flat NAV keeps share price at 1: 1200 shares pay out 1200.
	result, err := svc.Withdraw(ctx, pool.ID, "investor-1", d(1200))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !result.Amount.Equal(d(1200)) {
		t.Errorf("expected payout 1200, got %s", result.Amount)
	}
	if !result.NetPnL.IsZero() {
		t.Errorf("expected zero net pnl at flat NAV, got %s", result.NetPnL)
	}

	// First deposit fully consumed, second reduced to 300 shares.
	active, _ := ms.ListActiveDeposits(ctx, pool.ID, "investor-1")
	if len(active) != 1 {
		t.Fatalf("expected 1 active deposit, got %d", len(active))
	}
	if !active[0].SharesIssued.Equal(d(300)) {
		t.Errorf("expected 300 shares remaining on the second deposit, got %s", active[0].SharesIssued)
	}
	if !active[0].Amount.Equal(d(300)) {
		t.Errorf("expected 300 cost basis remaining, got %s", active[0].Amount)
	}
}

func TestWithdraw_LiquidityErrorDespiteNAV(t *testing.T) {
	svc, _, feed, _ := newTestEnv(t)
	feed.SetPrice(model.MarketPerp, "BTC", d(100))
	pool := fundedPool(t, svc, 10000)
	ctx := context.Background()

	// Tie up most of the cash as margin: balance 1960, NAV 9960.
	res := svc.ExecuteDecision(ctx, openLong(pool.ID, 8000))
	if res.Err != nil {
		t.Fatalf("open failed: %v", res.Err)
	}

	// 5000 shares are worth 4980 — covered by NAV but not by cash.
	_, err := svc.Withdraw(ctx, pool.ID, "investor-1", d(5000))
	if !errors.Is(err, trading.ErrLiquidity) {
		t.Fatalf("expected ErrLiquidity, got %v", err)
	}

	// Failed withdrawal mutates nothing.
	pool, _ = svc.GetPool(ctx, pool.ID)
	if !pool.AvailableBalance.Equal(d(1960)) {
		t.Errorf("balance should be untouched, got %s", pool.AvailableBalance)
	}
	if !pool.TotalShares.Equal(d(10000)) {
		t.Errorf("shares should be untouched, got %s", pool.TotalShares)
	}
}

func TestWithdraw_InsufficientShares(t *testing.T) {
	svc, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	pool, _ := svc.CreatePool(ctx, "npc-1")
	svc.Deposit(ctx, pool.ID, "investor-1", d(100))

	// A stranger holds nothing.
	if _, err := svc.Withdraw(ctx, pool.ID, "investor-2", d(50)); !errors.Is(err, trading.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for non-investor, got %v", err)
	}
	// The investor cannot redeem more than they hold.
	if _, err := svc.Withdraw(ctx, pool.ID, "investor-1", d(150)); !errors.Is(err, trading.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares for oversize redemption, got %v", err)
	}
}

func TestHandleDepositWithdraw_HTTP(t *testing.T) {
	svc, _, _, router := newTestEnv(t)
	ctx := context.Background()
	pool, _ := svc.CreatePool(ctx, "npc-1")

	w := postJSON(t, router, "/api/v1/pools/"+pool.ID+"/deposits",
		trading.DepositRequest{InvestorID: "investor-1", Amount: d(1000)})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Redeeming more than the liquid balance at flat NAV fails on shares held.
	w = postJSON(t, router, "/api/v1/pools/"+pool.ID+"/withdrawals",
		trading.WithdrawRequest{InvestorID: "investor-1", Shares: d(5000)})
	if w.Code != http.StatusConflict {
		t.Errorf("oversize withdrawal: expected 409, got %d", w.Code)
	}

	w = postJSON(t, router, "/api/v1/pools/"+pool.ID+"/withdrawals",
		trading.WithdrawRequest{InvestorID: "investor-1", Shares: d(400)})
	if w.Code != http.StatusOK {
		t.Fatalf("withdrawal: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result trading.WithdrawResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad withdrawal body: %v", err)
	}
	if !result.Amount.Equal(d(400)) {
		t.Errorf("expected payout 400, got %s", result.Amount)
	}
}
