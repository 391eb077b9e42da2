package perp

import (
	"github.com/shopspring/decimal"
)

// MarginEvaluation is the result of evaluating a position against an
// aggregated price. FundingOwed is positive when the position owes
// funding (reduces equity); the sign flips for the opposite side.
type MarginEvaluation struct {
	UnrealizedPnL  decimal.Decimal
	FundingOwed    decimal.Decimal
	Equity         decimal.Decimal
	MarginRatioBps int64
	IsHealthy      bool
}

// MarginEngine computes position health from a price snapshot.
// Evaluate has no side effects and is shared by the ledger, the
// liquidation engine, and read-only callers.
type MarginEngine struct{}

// NewMarginEngine creates a margin engine
func NewMarginEngine() *MarginEngine {
	return &MarginEngine{}
}

// Evaluate computes unrealized PnL, funding owed, equity and margin
// ratio for a position at the given price. The market's funding index
// and maintenance margin are read from the snapshot so the whole
// evaluation observes one consistent state.
func (e *MarginEngine) Evaluate(pos *Position, price decimal.Decimal, market MarketSnapshot) MarginEvaluation {
	eval := MarginEvaluation{
		UnrealizedPnL: decimal.Zero,
		FundingOwed:   decimal.Zero,
		Equity:        pos.Collateral,
	}

	if pos.Size.Sign() <= 0 || pos.EntryPrice.Sign() <= 0 {
		return eval
	}

	// unrealizedPnL = (long ? price-entry : entry-price) / entry * size
	move := price.Sub(pos.EntryPrice)
	if !pos.IsLong {
		move = move.Neg()
	}
	eval.UnrealizedPnL = move.Div(pos.EntryPrice).Mul(pos.Size)

	// fundingOwed = size * (index - entryIndex), shorts flip sign
	indexDelta := market.CumulativeFundingIndex.Sub(pos.EntryFundingIndex)
	eval.FundingOwed = pos.Size.Mul(indexDelta)
	if !pos.IsLong {
		eval.FundingOwed = eval.FundingOwed.Neg()
	}

	eval.Equity = pos.Collateral.Add(eval.UnrealizedPnL).Sub(eval.FundingOwed)

	// marginRatioBps = max(equity, 0) * 10000 / size
	clamped := eval.Equity
	if clamped.Sign() < 0 {
		clamped = decimal.Zero
	}
	eval.MarginRatioBps = clamped.Mul(bpsDenominator).Div(pos.Size).IntPart()
	eval.IsHealthy = eval.MarginRatioBps >= market.MaintenanceMarginRatioBps

	return eval
}
