// Package risk enforces exposure limits on position opens: a cap on a
// pool's total open notional and a concentration cap per symbol. Limits
// guard against one runaway NPC strategy committing the whole pool to a
// single market.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

var (
	// ErrPoolExposureExceeded is returned when an open would push the
	// pool's total open notional beyond the maximum.
	ErrPoolExposureExceeded = errors.New("risk: pool exposure limit exceeded")

	// ErrSymbolExposureExceeded is returned when an open would push the
	// notional concentrated in one symbol beyond the maximum.
	ErrSymbolExposureExceeded = errors.New("risk: symbol exposure limit exceeded")
)

// Limiter enforces exposure limits. A zero limit disables that check.
type Limiter struct {
	// MaxPoolNotional caps the sum of open notional across a pool.
	MaxPoolNotional decimal.Decimal

	// MaxSymbolNotional caps the open notional in any single symbol.
	MaxSymbolNotional decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPoolNotional, maxSymbolNotional decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPoolNotional:   maxPoolNotional,
		MaxSymbolNotional: maxSymbolNotional,
	}
}

// notional of an open position: size is already notional for perps; for
// prediction markets it is shares × entry, the stake at risk.
func notional(p *model.PoolPosition) decimal.Decimal {
	if p.MarketType == model.MarketPrediction {
		return p.Size.Mul(p.EntryPrice)
	}
	return p.Size
}

// CheckLimit validates whether opening newNotional in symbol respects the
// limits given the pool's current open positions.
func (l *Limiter) CheckLimit(symbol string, newNotional decimal.Decimal, open []model.PoolPosition) error {
	totalPool := newNotional
	totalSymbol := newNotional

	for i := range open {
		n := notional(&open[i])
		totalPool = totalPool.Add(n)
		if open[i].Symbol == symbol {
			totalSymbol = totalSymbol.Add(n)
		}
	}

	if l.MaxPoolNotional.IsPositive() && totalPool.GreaterThan(l.MaxPoolNotional) {
		return ErrPoolExposureExceeded
	}
	if l.MaxSymbolNotional.IsPositive() && totalSymbol.GreaterThan(l.MaxSymbolNotional) {
		return ErrSymbolExposureExceeded
	}
	return nil
}
