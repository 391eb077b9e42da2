package perp

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFundingConfig() FundingRateAccrualConfig {
	return FundingRateAccrualConfig{
		Interval:              time.Hour,
		SensitivityBps:        100,
		MaxRateBpsPerInterval: 75,
	}
}

func TestFundingRateFromImbalance(t *testing.T) {
	f := NewFundingRateAccrual(nil, nil, testFundingConfig(), nil)

	// All-long market pins the rate at the circuit breaker.
	assert.Equal(t, int64(75), f.rateBps(decimal.NewFromInt(10000), decimal.Zero))

	// All-short mirrors it.
	assert.Equal(t, int64(-75), f.rateBps(decimal.Zero, decimal.NewFromInt(10000)))

	// Balanced book accrues nothing.
	assert.Equal(t, int64(0), f.rateBps(decimal.NewFromInt(5000), decimal.NewFromInt(5000)))

	// Empty market accrues nothing.
	assert.Equal(t, int64(0), f.rateBps(decimal.Zero, decimal.Zero))

	// 60/40 split: imbalance 0.2 * 100 = 20 bps, inside the clamp.
	assert.Equal(t, int64(20), f.rateBps(decimal.NewFromInt(6000), decimal.NewFromInt(4000)))
}

func TestFundingAccrualAdvancesIndex(t *testing.T) {
	h := newHarness(t, 0)
	h.openDefault(t)

	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)
	base := time.Now().Add(2 * time.Hour)
	funding.now = func() time.Time { return base }

	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)

	// Long-only book: rate clamps to 75 bps, delta = 2000 * 75/10000.
	assert.Equal(t, int64(75), snapshot.FundingRateBps)
	assert.True(t, snapshot.CumulativeFundingIndex.Equal(decimal.NewFromInt(15)), "index %s", snapshot.CumulativeFundingIndex)
	assert.True(t, snapshot.LastFundingTime.Equal(base))

	assert.Contains(t, h.drainEvents(), EventFundingAccrued)
}

func TestFundingAccrualIdempotentWithinInterval(t *testing.T) {
	h := newHarness(t, 0)
	h.openDefault(t)

	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)
	base := time.Now().Add(2 * time.Hour)
	funding.now = func() time.Time { return base }

	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))
	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.True(t, snapshot.CumulativeFundingIndex.Equal(decimal.NewFromInt(15)), "index %s", snapshot.CumulativeFundingIndex)
}

func TestFundingIndexSumsPerIntervalDeltas(t *testing.T) {
	h := newHarness(t, 0)
	h.openDefault(t)

	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)
	base := time.Now().Add(2 * time.Hour)
	funding.now = func() time.Time { return base }

	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))

	// Next interval with unchanged book and price adds the same delta.
	base = base.Add(time.Hour)
	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.True(t, snapshot.CumulativeFundingIndex.Equal(decimal.NewFromInt(30)), "index %s", snapshot.CumulativeFundingIndex)
}

func TestFundingAccrualNotDue(t *testing.T) {
	h := newHarness(t, 0)
	h.openDefault(t)

	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)

	// Market was created moments ago; nothing is due yet.
	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.True(t, snapshot.CumulativeFundingIndex.IsZero())
	assert.Equal(t, int64(0), snapshot.FundingRateBps)
}

func TestFundingShortHeavyNegativeDelta(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.ledger.OpenPosition(context.Background(), "bob", "ETH-USD",
		decimal.NewFromInt(5000), decimal.NewFromInt(1000), false,
		decimal.NewFromInt(2000), 100)
	require.NoError(t, err)

	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)
	base := time.Now().Add(2 * time.Hour)
	funding.now = func() time.Time { return base }

	require.NoError(t, funding.Accrue(context.Background(), "ETH-USD"))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(-75), snapshot.FundingRateBps)
	assert.True(t, snapshot.CumulativeFundingIndex.Equal(decimal.NewFromInt(-15)), "index %s", snapshot.CumulativeFundingIndex)
}

func TestFundingAccrueUnknownMarket(t *testing.T) {
	h := newHarness(t, 0)
	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)

	assert.ErrorIs(t, funding.Accrue(context.Background(), "DOGE-USD"), ErrInvalidMarket)
}

func TestAccrueAllSkipsOracleFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.openDefault(t)

	funding := NewFundingRateAccrual(h.ledger, h.oracle, testFundingConfig(), nil)
	base := time.Now().Add(2 * time.Hour)
	funding.now = func() time.Time { return base }

	h.src.err = ErrSourceUnavailable
	h.oracle.Invalidate("ETH-USD")

	// The failed market is skipped this cycle, not fatal.
	funding.AccrueAll(context.Background())

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.True(t, snapshot.CumulativeFundingIndex.IsZero())
	assert.True(t, snapshot.LastFundingTime.Before(base))
}
