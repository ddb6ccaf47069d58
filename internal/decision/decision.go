// Package decision defines the closed set of NPC trading decisions and
// their structural validation. Decisions arrive from an external
// strategy/LLM layer; the engine only validates and executes them.
package decision

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

// Action is one of the recognized decision variants. The set is closed:
// anything else is rejected before any state is touched, so the dispatcher
// cannot silently ignore an unrecognized action.
type Action string

const (
	OpenLong      Action = "open_long"
	OpenShort     Action = "open_short"
	ClosePosition Action = "close_position"
)

var (
	// ErrUnknownAction is returned for actions outside the closed set.
	ErrUnknownAction = errors.New("decision: unknown action")

	// ErrInvalidMarketType is returned when market type is not perp or
	// prediction.
	ErrInvalidMarketType = errors.New("decision: invalid market type")

	// ErrValidation is the base class for structural validation failures.
	ErrValidation = errors.New("decision: validation failed")
)

// Decision is one structured trade decision for one pool. Amount is the
// margin to commit (perps) or the stake (prediction markets); PositionID
// is set only for ClosePosition.
type Decision struct {
	Action     Action           `json:"action"`
	PoolID     string           `json:"pool_id"`
	MarketType model.MarketType `json:"market_type"`
	Symbol     string           `json:"symbol,omitempty"`
	PositionID string           `json:"position_id,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
	Confidence float64          `json:"confidence,omitempty"` // strategy metadata, not money
	Reasoning  string           `json:"reasoning,omitempty"`
}

// Result is the outcome of executing one decision. Err is nil on success;
// a failed decision never mutates state.
type Result struct {
	PositionID string `json:"position_id,omitempty"`
	Success    bool   `json:"success"`
	Err        error  `json:"-"`
}

// Validate checks structural well-formedness before any balance is read.
func (d *Decision) Validate() error {
	switch d.Action {
	case OpenLong, OpenShort, ClosePosition:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}

	if d.PoolID == "" {
		return fmt.Errorf("%w: pool_id is required", ErrValidation)
	}

	if d.Action == ClosePosition {
		if d.PositionID == "" {
			return fmt.Errorf("%w: position_id is required for close_position", ErrValidation)
		}
		return nil
	}

	if !d.MarketType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMarketType, d.MarketType)
	}
	if d.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if d.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrValidation, d.Amount)
	}
	return nil
}

// Side maps an open decision to the position side for its market type:
// long/short for perps, yes/no for prediction markets.
func (d *Decision) Side() model.Side {
	if d.MarketType == model.MarketPrediction {
		if d.Action == OpenShort {
			return model.SideNo
		}
		return model.SideYes
	}
	if d.Action == OpenShort {
		return model.SideShort
	}
	return model.SideLong
}
