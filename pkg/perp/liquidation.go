package perp

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// InsuranceFund backs payouts that exceed locked collateral and
// absorbs liquidation deficits. It never goes negative: a draw beyond
// the balance returns what is available and the remainder is
// socialized by the caller.
type InsuranceFund struct {
	balance    decimal.Decimal
	totalDrawn decimal.Decimal
	mu         sync.Mutex
}

// NewInsuranceFund creates a fund with the given seed balance
func NewInsuranceFund(seed decimal.Decimal) *InsuranceFund {
	if seed.Sign() < 0 {
		seed = decimal.Zero
	}
	return &InsuranceFund{balance: seed, totalDrawn: decimal.Zero}
}

// Deposit adds to the reserve
func (f *InsuranceFund) Deposit(amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	f.balance = f.balance.Add(amount)
	f.mu.Unlock()
}

// Draw withdraws up to amount, returning what was actually drawn
func (f *InsuranceFund) Draw(amount decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	drawn := amount
	if drawn.GreaterThan(f.balance) {
		drawn = f.balance
	}
	f.balance = f.balance.Sub(drawn)
	f.totalDrawn = f.totalDrawn.Add(drawn)
	return drawn
}

// Balance returns the current reserve balance
func (f *InsuranceFund) Balance() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// TotalDrawn returns the cumulative amount drawn from the reserve
func (f *InsuranceFund) TotalDrawn() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalDrawn
}

// LiquidationEngine detects unhealthy positions and forces closure,
// paying the liquidator a fee from the position's collateral. The
// health check and the mutation run under the same position lock, so
// a concurrent close and liquidate cannot both commit.
type LiquidationEngine struct {
	ledger            *PositionLedger
	insurance         *InsuranceFund
	liquidationFeeBps int64

	logger *logrus.Logger
	now    func() time.Time
}

// NewLiquidationEngine creates a liquidation engine
func NewLiquidationEngine(ledger *PositionLedger, insurance *InsuranceFund, liquidationFeeBps int64, logger *logrus.Logger) *LiquidationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &LiquidationEngine{
		ledger:            ledger,
		insurance:         insurance,
		liquidationFeeBps: liquidationFeeBps,
		logger:            logger,
		now:               time.Now,
	}
}

// CheckLiquidation reports whether a position is currently
// liquidatable: open and below maintenance margin at the aggregated
// price. Advisory only; Liquidate re-checks under the position lock.
func (e *LiquidationEngine) CheckLiquidation(ctx context.Context, id string) (bool, error) {
	pos, err := e.ledger.GetPosition(id)
	if err != nil {
		return false, err
	}
	if pos.Status != StatusOpen {
		return false, nil
	}

	eval, err := e.ledger.Evaluate(ctx, id)
	if err != nil {
		return false, err
	}
	return !eval.IsHealthy, nil
}

// Liquidate force-closes an unhealthy position. The liquidator
// receives collateral * feeBps / 10000; remaining equity after the
// fee returns to the trader; any deficit is drawn from the insurance
// reserve and a shortfall past the reserve is emitted as a
// socialized-loss event. Returns the liquidator reward.
func (e *LiquidationEngine) Liquidate(ctx context.Context, liquidator, id string) (decimal.Decimal, error) {
	pos, lock, err := e.ledger.lockedPosition(id)
	if err != nil {
		return decimal.Zero, err
	}
	defer lock.Unlock()

	switch pos.Status {
	case StatusLiquidated:
		return decimal.Zero, ErrAlreadyLiquidated
	case StatusClosed:
		return decimal.Zero, ErrPositionNotLiquidatable
	}

	market, err := e.ledger.market(pos.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	price, err := e.ledger.oracle.GetAggregatedPrice(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	// Re-check under the position lock: no gap between the health
	// check and the mutation.
	snapshot := market.snapshot()
	eval := e.ledger.margin.Evaluate(pos, price.Price, snapshot)
	if eval.IsHealthy {
		return decimal.Zero, ErrPositionNotLiquidatable
	}

	fee := pos.Collateral.Mul(decimal.NewFromInt(e.liquidationFeeBps)).Div(bpsDenominator)

	// Trader receives whatever equity survives the fee.
	traderPayout := eval.Equity.Sub(fee)
	if traderPayout.Sign() < 0 {
		traderPayout = decimal.Zero
	}

	// Negative equity is a deficit the reserve must cover.
	deficit := decimal.Zero
	if eval.Equity.Sign() < 0 {
		deficit = eval.Equity.Neg()
	}

	payoutTotal := fee.Add(traderPayout)
	leftover := pos.Collateral.Sub(payoutTotal)
	if leftover.Sign() > 0 {
		// Collateral consumed by losses backs the reserve, which in
		// turn owes the winning side its profit.
		e.insurance.Deposit(leftover)
	} else if leftover.Sign() < 0 {
		// Payout beyond collateral is funded by the reserve.
		excess := leftover.Neg()
		drawn := e.insurance.Draw(excess)
		if drawn.LessThan(excess) {
			traderPayout = traderPayout.Sub(excess.Sub(drawn))
			if traderPayout.Sign() < 0 {
				traderPayout = decimal.Zero
			}
			payoutTotal = fee.Add(traderPayout)
		}
	}

	if deficit.Sign() > 0 {
		drawn := e.insurance.Draw(deficit)
		if drawn.LessThan(deficit) {
			shortfall := deficit.Sub(drawn)
			e.logger.WithFields(logrus.Fields{
				"position":  id,
				"shortfall": shortfall.String(),
			}).Error("liquidation deficit exceeds insurance reserve")
			e.ledger.publisher.Publish(Event{
				Type:      EventSocializedLoss,
				Timestamp: e.now(),
				Data: map[string]interface{}{
					"position":  id,
					"symbol":    pos.Symbol,
					"shortfall": shortfall.String(),
				},
			})
		}
	}

	market.mu.Lock()
	if err := e.ledger.vault.Release(pos.Collateral, payoutTotal); err != nil {
		market.mu.Unlock()
		return decimal.Zero, err
	}
	if pos.IsLong {
		market.OpenInterestLong = market.OpenInterestLong.Sub(pos.Size)
	} else {
		market.OpenInterestShort = market.OpenInterestShort.Sub(pos.Size)
	}
	market.mu.Unlock()

	pos.Status = StatusLiquidated

	e.logger.WithFields(logrus.Fields{
		"position":   id,
		"liquidator": liquidator,
		"symbol":     pos.Symbol,
		"price":      price.Price.String(),
		"fee":        fee.String(),
		"trader":     traderPayout.String(),
		"deficit":    deficit.String(),
	}).Info("position liquidated")

	e.ledger.publisher.Publish(Event{
		Type:      EventPositionLiquidated,
		Timestamp: e.now(),
		Data: map[string]interface{}{
			"position":     id,
			"liquidator":   liquidator,
			"symbol":       pos.Symbol,
			"price":        price.Price.String(),
			"fee":          fee.String(),
			"traderPayout": traderPayout.String(),
			"deficit":      deficit.String(),
		},
	})

	return fee, nil
}

// Scan sweeps all open positions and liquidates the unhealthy ones.
// Transient oracle failures skip the affected symbol this cycle and
// are retried on the next pass. Returns the liquidated position ids.
func (e *LiquidationEngine) Scan(ctx context.Context, liquidator string) []string {
	liquidated := make([]string, 0)

	for _, id := range e.ledger.OpenPositionIDs() {
		eligible, err := e.CheckLiquidation(ctx, id)
		if err != nil {
			e.logger.WithField("position", id).WithError(err).Debug("liquidation check skipped")
			continue
		}
		if !eligible {
			continue
		}

		if _, err := e.Liquidate(ctx, liquidator, id); err != nil {
			// Lost the race to a close or another liquidator.
			e.logger.WithField("position", id).WithError(err).Debug("liquidation attempt failed")
			continue
		}
		liquidated = append(liquidated, id)
	}

	return liquidated
}
