// Package margin implements the financial math for the trading engine:
// trading fees on notional value, liquidation prices for leveraged
// positions, and mark-to-market valuation for both instrument types.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Functions here are stateless and read-only; position state is passed as
// arguments, not stored.
package margin

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

var (
	// ErrInvalidLeverage is returned when leverage is below 1.
	ErrInvalidLeverage = errors.New("margin: leverage must be at least 1")

	// ErrInvalidPrice is returned when an entry price is not positive.
	ErrInvalidPrice = errors.New("margin: price must be positive")

	// FeeRate is the trading fee on notional value: 10 basis points,
	// applied identically on open and close.
	FeeRate = decimal.NewFromFloat(0.001)

	// MoneyScale is the number of decimal places results of division are
	// rounded to. Multiplications stay exact.
	MoneyScale int32 = 8
)

// Default leverage per market type. Prediction-market positions are always
// fully collateralized share purchases.
const (
	DefaultPerpLeverage       int64 = 5
	DefaultPredictionLeverage int64 = 1
)

// DefaultLeverage returns the fixed leverage used for a market type.
func DefaultLeverage(mt model.MarketType) int64 {
	if mt == model.MarketPerp {
		return DefaultPerpLeverage
	}
	return DefaultPredictionLeverage
}

// Fee computes the trading fee on a notional value.
//
//	fee = notional × FeeRate
func Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(FeeRate)
}

// Notional computes position size from committed margin and leverage.
func Notional(margin decimal.Decimal, leverage int64) decimal.Decimal {
	return margin.Mul(decimal.NewFromInt(leverage))
}

// OpenDebit is the total amount debited from a pool's available balance
// when a position opens: the margin plus the fee on notional.
func OpenDebit(margin decimal.Decimal, leverage int64) decimal.Decimal {
	return margin.Add(Fee(Notional(margin, leverage)))
}

// LiquidationPrice computes the price at which a leveraged position's loss
// consumes its entire margin, triggering forced closure.
//
//	marginRatio = 1 / L
//	long:  entry × (1 − marginRatio)
//	short: entry × (1 + marginRatio)
//
// At 5× leverage this yields 80%/120% of entry. Prediction-market positions
// have no leverage and no liquidation price.
func LiquidationPrice(entry decimal.Decimal, leverage int64, side model.Side) (decimal.Decimal, error) {
	if leverage < 1 {
		return decimal.Zero, ErrInvalidLeverage
	}
	if entry.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidPrice
	}

	one := decimal.NewFromInt(1)
	marginRatio := one.DivRound(decimal.NewFromInt(leverage), MoneyScale)

	if side == model.SideShort {
		return entry.Mul(one.Add(marginRatio)), nil
	}
	return entry.Mul(one.Sub(marginRatio)), nil
}

// Crossed reports whether current price has crossed the liquidation price
// for the given side: at or below for longs, at or above for shorts.
func Crossed(current, liquidation decimal.Decimal, side model.Side) bool {
	if liquidation.IsZero() {
		return false
	}
	if side == model.SideShort {
		return current.GreaterThanOrEqual(liquidation)
	}
	return current.LessThanOrEqual(liquidation)
}

// PerpUnrealizedPnL computes the unrealized P&L of a perp position.
//
//	pnl = ((current − entry) / entry) × notional × dir
//
// dir is +1 for long, −1 for short. Multiplication happens before the
// division to avoid compounding rounding.
func PerpUnrealizedPnL(entry, current, notional decimal.Decimal, side model.Side) decimal.Decimal {
	pnl := current.Sub(entry).Mul(notional).DivRound(entry, MoneyScale)
	if side == model.SideShort {
		return pnl.Neg()
	}
	return pnl
}

// PredictionUnrealizedPnL computes the unrealized P&L of a prediction
// position. Prices are probabilities in the same normalized [0,1] unit.
//
//	pnl = (current − entry) × shares
func PredictionUnrealizedPnL(entry, current, shares decimal.Decimal) decimal.Decimal {
	return current.Sub(entry).Mul(shares)
}

// UnrealizedPnL dispatches to the valuation formula for the position's
// market type. Read-only; never mutates the position.
func UnrealizedPnL(p *model.PoolPosition, current decimal.Decimal) decimal.Decimal {
	if p.MarketType == model.MarketPrediction {
		return PredictionUnrealizedPnL(p.EntryPrice, current, p.Size)
	}
	return PerpUnrealizedPnL(p.EntryPrice, current, p.Size, p.Side)
}

// PositionValue is the mark-to-market value an open position contributes
// to pool NAV. Perp value is margin plus unrealized P&L, floored at zero
// since a fully-collateralized position cannot lose more than its margin.
// Prediction value is shares at the current price.
func PositionValue(p *model.PoolPosition, current decimal.Decimal) decimal.Decimal {
	if p.MarketType == model.MarketPrediction {
		return p.Size.Mul(current)
	}
	value := p.Margin.Add(UnrealizedPnL(p, current))
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

// ClampRealized bounds a leveraged position's realized loss at the margin
// committed on open. Returns the clamped P&L and whether clamping fired,
// which flags the closure as liquidation-triggered.
func ClampRealized(realized, margin decimal.Decimal) (decimal.Decimal, bool) {
	if realized.LessThan(margin.Neg()) {
		return margin.Neg(), true
	}
	return realized, false
}
