package margin

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestFee_TenBasisPoints(t *testing.T) {
	fee := Fee(d(5000))
	if !fee.Equal(d(5)) {
		t.Errorf("fee on 5000 notional should be exactly 5.00, got %s", fee)
	}
}

func TestOpenDebit_MarginPlusFee(t *testing.T) {
	// M=1000, L=5 → notional 5000, fee 5.00, debit 1005.00.
	debit := OpenDebit(d(1000), 5)
	if !debit.Equal(d(1005)) {
		t.Errorf("expected debit 1005.00, got %s", debit)
	}
}

func TestNotional(t *testing.T) {
	if n := Notional(d(1000), 5); !n.Equal(d(5000)) {
		t.Errorf("expected notional 5000, got %s", n)
	}
	if n := Notional(d(250), 1); !n.Equal(d(250)) {
		t.Errorf("expected notional 250, got %s", n)
	}
}

func TestLiquidationPrice_Long(t *testing.T) {
	liq, err := LiquidationPrice(d(100), 5, model.SideLong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !liq.Equal(d(80)) {
		t.Errorf("5x long at entry 100 should liquidate at 80, got %s", liq)
	}
}

func TestLiquidationPrice_Short(t *testing.T) {
	liq, err := LiquidationPrice(d(100), 5, model.SideShort)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !liq.Equal(d(120)) {
		t.Errorf("5x short at entry 100 should liquidate at 120, got %s", liq)
	}
}

func TestLiquidationPrice_InvalidInputs(t *testing.T) {
	if _, err := LiquidationPrice(d(100), 0, model.SideLong); err != ErrInvalidLeverage {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
	if _, err := LiquidationPrice(decimal.Zero, 5, model.SideLong); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestCrossed(t *testing.T) {
	if !Crossed(d(79), d(80), model.SideLong) {
		t.Error("long at liq 80 should be crossed at 79")
	}
	if !Crossed(d(80), d(80), model.SideLong) {
		t.Error("long should be crossed exactly at liquidation price")
	}
	if Crossed(d(81), d(80), model.SideLong) {
		t.Error("long at liq 80 should not be crossed at 81")
	}
	if !Crossed(d(121), d(120), model.SideShort) {
		t.Error("short at liq 120 should be crossed at 121")
	}
	if Crossed(d(119), d(120), model.SideShort) {
		t.Error("short at liq 120 should not be crossed at 119")
	}
	if Crossed(d(0.01), decimal.Zero, model.SideYes) {
		t.Error("prediction positions have no liquidation price")
	}
}

func TestPerpUnrealizedPnL_LongShortMirror(t *testing.T) {
	// $1000 notional long losing $50 on a 5% adverse move is mirrored by
	// an otherwise-identical short gaining $50 on the same move.
	long := PerpUnrealizedPnL(d(100), d(95), d(1000), model.SideLong)
	short := PerpUnrealizedPnL(d(100), d(95), d(1000), model.SideShort)

	if !long.Equal(d(-50)) {
		t.Errorf("expected long pnl -50, got %s", long)
	}
	if !short.Equal(d(50)) {
		t.Errorf("expected short pnl +50, got %s", short)
	}
	if !long.Add(short).IsZero() {
		t.Errorf("long and short pnl should cancel, got %s and %s", long, short)
	}
}

func TestPerpUnrealizedPnL_FlatPriceIsZero(t *testing.T) {
	pnl := PerpUnrealizedPnL(d(100), d(100), d(5000), model.SideLong)
	if !pnl.IsZero() {
		t.Errorf("unchanged price should yield zero pnl, got %s", pnl)
	}
}

func TestPredictionUnrealizedPnL(t *testing.T) {
	// entry=0.50, exit=0.75, shares=100 → pnl = 25.00.
	pnl := PredictionUnrealizedPnL(d(0.50), d(0.75), d(100))
	if !pnl.Equal(d(25)) {
		t.Errorf("expected pnl 25.00, got %s", pnl)
	}
}

func TestPositionValue_Perp(t *testing.T) {
	pos := &model.PoolPosition{
		MarketType: model.MarketPerp,
		Side:       model.SideLong,
		Size:       d(5000),
		EntryPrice: d(100),
		Leverage:   5,
		Margin:     d(1000),
	}

	// +2% move on 5000 notional = +100.
	if v := PositionValue(pos, d(102)); !v.Equal(d(1100)) {
		t.Errorf("expected value 1100, got %s", v)
	}

	// A move past liquidation cannot value below zero.
	if v := PositionValue(pos, d(50)); !v.IsZero() {
		t.Errorf("value should floor at zero past full loss, got %s", v)
	}
}

func TestPositionValue_Prediction(t *testing.T) {
	pos := &model.PoolPosition{
		MarketType: model.MarketPrediction,
		Side:       model.SideYes,
		Size:       d(100),
		EntryPrice: d(0.50),
		Leverage:   1,
	}

	if v := PositionValue(pos, d(0.75)); !v.Equal(d(75)) {
		t.Errorf("expected value 75, got %s", v)
	}
}

func TestClampRealized(t *testing.T) {
	clamped, liq := ClampRealized(d(-1500), d(1000))
	if !clamped.Equal(d(-1000)) {
		t.Errorf("loss should clamp at -margin, got %s", clamped)
	}
	if !liq {
		t.Error("clamped loss should flag liquidation")
	}

	passthrough, liq := ClampRealized(d(-400), d(1000))
	if !passthrough.Equal(d(-400)) {
		t.Errorf("loss within margin should pass through, got %s", passthrough)
	}
	if liq {
		t.Error("loss within margin should not flag liquidation")
	}
}

func TestDefaultLeverage(t *testing.T) {
	if l := DefaultLeverage(model.MarketPerp); l != 5 {
		t.Errorf("expected 5x for perps, got %d", l)
	}
	if l := DefaultLeverage(model.MarketPrediction); l != 1 {
		t.Errorf("expected 1x for prediction markets, got %d", l)
	}
}
