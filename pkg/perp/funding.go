package perp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// FundingRateAccrualConfig bounds the funding mechanism.
// SensitivityBps scales the open-interest imbalance into a rate;
// MaxRateBpsPerInterval is the circuit breaker against runaway
// funding within a single interval.
type FundingRateAccrualConfig struct {
	Interval              time.Duration
	SensitivityBps        int64
	MaxRateBpsPerInterval int64
}

// FundingRateAccrual advances each market's cumulative funding index
// from open-interest imbalance at a bounded cadence. A second
// invocation within the same interval is a no-op.
type FundingRateAccrual struct {
	ledger *PositionLedger
	oracle *OracleAggregator
	config FundingRateAccrualConfig

	logger *logrus.Logger
	now    func() time.Time
}

// NewFundingRateAccrual creates a funding accrual pass
func NewFundingRateAccrual(ledger *PositionLedger, oracle *OracleAggregator, config FundingRateAccrualConfig, logger *logrus.Logger) *FundingRateAccrual {
	if logger == nil {
		logger = logrus.New()
	}
	return &FundingRateAccrual{
		ledger: ledger,
		oracle: oracle,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Accrue applies one funding interval to a market if due. The index
// delta is rate * price / 10000, priced in the same unit the margin
// engine multiplies by position size.
func (f *FundingRateAccrual) Accrue(ctx context.Context, symbol string) error {
	market, err := f.ledger.market(symbol)
	if err != nil {
		return err
	}

	now := f.now()

	market.mu.RLock()
	due := now.Sub(market.LastFundingTime) >= f.config.Interval
	market.mu.RUnlock()
	if !due {
		return nil
	}

	// Price snapshot taken before the market lock; an oracle failure
	// skips this market for the cycle.
	price, err := f.oracle.GetAggregatedPrice(ctx, symbol)
	if err != nil {
		return err
	}

	market.mu.Lock()
	defer market.mu.Unlock()

	// Re-check under the lock so concurrent accrual passes cannot
	// double-apply the interval.
	if now.Sub(market.LastFundingTime) < f.config.Interval {
		return nil
	}

	rateBps := f.rateBps(market.OpenInterestLong, market.OpenInterestShort)
	delta := price.Price.Mul(decimal.NewFromInt(rateBps)).Div(bpsDenominator)

	market.CumulativeFundingIndex = market.CumulativeFundingIndex.Add(delta)
	market.FundingRateBps = rateBps
	market.LastFundingTime = now

	f.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"rate":   rateBps,
		"delta":  delta.String(),
		"index":  market.CumulativeFundingIndex.String(),
	}).Info("funding accrued")

	f.ledger.publisher.Publish(Event{
		Type:      EventFundingAccrued,
		Timestamp: now,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"rateBps": rateBps,
			"delta":   delta.String(),
			"index":   market.CumulativeFundingIndex.String(),
		},
	})

	return nil
}

// AccrueAll runs an accrual pass over every market. Per-market oracle
// failures are logged and retried next cycle, never fatal.
func (f *FundingRateAccrual) AccrueAll(ctx context.Context) {
	for _, symbol := range f.ledger.Markets() {
		if err := f.Accrue(ctx, symbol); err != nil {
			f.logger.WithField("symbol", symbol).WithError(err).Warn("funding accrual skipped")
		}
	}
}

// rateBps derives the per-interval rate from open-interest imbalance,
// clamped to the per-interval bound
func (f *FundingRateAccrual) rateBps(oiLong, oiShort decimal.Decimal) int64 {
	total := oiLong.Add(oiShort)
	if total.Sign() <= 0 {
		return 0
	}

	imbalance := oiLong.Sub(oiShort).Div(total)
	rate := imbalance.Mul(decimal.NewFromInt(f.config.SensitivityBps)).IntPart()

	if rate > f.config.MaxRateBpsPerInterval {
		rate = f.config.MaxRateBpsPerInterval
	} else if rate < -f.config.MaxRateBpsPerInterval {
		rate = -f.config.MaxRateBpsPerInterval
	}
	return rate
}
