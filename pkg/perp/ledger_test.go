package perp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires a ledger with a single controllable price source
type harness struct {
	ledger    *PositionLedger
	oracle    *OracleAggregator
	vault     *CollateralVault
	insurance *InsuranceFund
	events    *ChanPublisher
	src       *mockPriceSource
}

func newHarness(t *testing.T, insuranceSeed int64) *harness {
	t.Helper()

	src := &mockPriceSource{name: "test", healthy: true, price: decimal.NewFromInt(2000), conf: 100}
	oracle := NewOracleAggregator(OracleAggregatorConfig{
		MinSources:      1,
		MaxDeviationBps: 10000,
		CacheMaxAge:     time.Minute,
		FetchTimeout:    time.Second,
	}, nil)
	require.NoError(t, oracle.RegisterSource(src, SourceConfig{Weight: decimal.NewFromInt(1), Heartbeat: time.Minute}))

	vault := NewCollateralVault()
	insurance := NewInsuranceFund(decimal.NewFromInt(insuranceSeed))
	if insuranceSeed > 0 {
		require.NoError(t, vault.Fund(decimal.NewFromInt(insuranceSeed)))
	}

	events := NewChanPublisher(64)
	ledger := NewPositionLedger(vault, oracle, NewMarginEngine(), insurance, events, nil)

	_, err := ledger.AddMarket(MarketConfig{
		Symbol:                    "ETH-USD",
		MaxLeverage:               10,
		MaintenanceMarginRatioBps: 600,
		IsActive:                  true,
	})
	require.NoError(t, err)

	return &harness{ledger: ledger, oracle: oracle, vault: vault, insurance: insurance, events: events, src: src}
}

func (h *harness) setPrice(price int64) {
	h.src.price = decimal.NewFromInt(price)
	h.oracle.Invalidate("ETH-USD")
}

// openDefault opens the canonical 10x long: size 10000, collateral
// 1000, entry 2000.
func (h *harness) openDefault(t *testing.T) string {
	t.Helper()
	id, err := h.ledger.OpenPosition(context.Background(), "alice", "ETH-USD",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), true,
		decimal.NewFromInt(2000), 100)
	require.NoError(t, err)
	return id
}

// assertInvariants checks solvency and open-interest consistency
// against the full position set
func (h *harness) assertInvariants(t *testing.T) {
	t.Helper()

	lockedSum := decimal.Zero
	oiLong := make(map[string]decimal.Decimal)
	oiShort := make(map[string]decimal.Decimal)

	h.ledger.mu.RLock()
	for _, pos := range h.ledger.positions {
		if pos.Status != StatusOpen {
			continue
		}
		lockedSum = lockedSum.Add(pos.Collateral)
		if pos.IsLong {
			oiLong[pos.Symbol] = oiLong[pos.Symbol].Add(pos.Size)
		} else {
			oiShort[pos.Symbol] = oiShort[pos.Symbol].Add(pos.Size)
		}
	}
	h.ledger.mu.RUnlock()

	assert.True(t, lockedSum.Equal(h.vault.LockedBalance()),
		"locked collateral %s != vault locked %s", lockedSum, h.vault.LockedBalance())
	assert.True(t, h.vault.TokenBalance().GreaterThanOrEqual(h.vault.LockedBalance()),
		"vault token %s < locked %s", h.vault.TokenBalance(), h.vault.LockedBalance())

	for _, symbol := range h.ledger.Markets() {
		snapshot, err := h.ledger.GetMarket(symbol)
		require.NoError(t, err)
		assert.True(t, snapshot.OpenInterestLong.Equal(oiLong[symbol]),
			"%s long OI %s != %s", symbol, snapshot.OpenInterestLong, oiLong[symbol])
		assert.True(t, snapshot.OpenInterestShort.Equal(oiShort[symbol]),
			"%s short OI %s != %s", symbol, snapshot.OpenInterestShort, oiShort[symbol])
	}
}

// drainEvents empties the event channel and returns the seen types
func (h *harness) drainEvents() []EventType {
	types := make([]EventType, 0)
	for {
		select {
		case ev := <-h.events.C:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestOpenPosition(t *testing.T) {
	h := newHarness(t, 0)

	id := h.openDefault(t)
	require.NotEmpty(t, id)

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", pos.Trader)
	assert.Equal(t, StatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(2000)))
	assert.True(t, pos.EntryFundingIndex.IsZero())
	assert.True(t, pos.IsLong)

	assert.True(t, h.vault.LockedBalance().Equal(decimal.NewFromInt(1000)))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.True(t, snapshot.OpenInterestLong.Equal(decimal.NewFromInt(10000)))

	assert.Contains(t, h.drainEvents(), EventPositionOpened)
	h.assertInvariants(t)
}

func TestOpenPositionValidation(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	_, err := h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.Zero, decimal.NewFromInt(1000), true, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(100), decimal.Zero, true, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.ledger.OpenPosition(ctx, "alice", "DOGE-USD",
		decimal.NewFromInt(100), decimal.NewFromInt(100), true, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrInvalidMarket)

	require.NoError(t, h.ledger.SetMarketActive("ETH-USD", false))
	_, err = h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(100), decimal.NewFromInt(100), true, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrInvalidMarket)

	// Nothing committed by any rejected request.
	assert.True(t, h.vault.TokenBalance().IsZero())
	h.assertInvariants(t)
}

func TestOpenPositionLeverageBound(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	// 10.001x breaches the 10x cap.
	_, err := h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(10001), decimal.NewFromInt(1000), true, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrExcessiveLeverage)

	// Exactly 10x is allowed.
	_, err = h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), true, decimal.NewFromInt(2000), 100)
	require.NoError(t, err)
	h.assertInvariants(t)
}

func TestOpenPositionSlippage(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	// Oracle says 2000, trader expected 2100: 476 bps > 100 bps cap.
	_, err := h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), true, decimal.NewFromInt(2100), 100)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	_, err = h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), true, decimal.Zero, 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Fractional overshoot: 2000 vs 1990 is 50.25 bps, over a 50 bps
	// cap even though it truncates to 50.
	_, err = h.ledger.OpenPosition(ctx, "alice", "ETH-USD",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), true, decimal.NewFromInt(1990), 50)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	assert.True(t, h.vault.TokenBalance().IsZero())
}

func TestOpenPositionOracleFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.src.err = ErrSourceUnavailable

	_, err := h.ledger.OpenPosition(context.Background(), "alice", "ETH-USD",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), true, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrInsufficientOracleConsensus)
	assert.True(t, h.vault.TokenBalance().IsZero())
}

func TestClosePositionProfit(t *testing.T) {
	h := newHarness(t, 10000)
	id := h.openDefault(t)

	// +5%: pnl 500, equity 1500. Profit is funded by the reserve.
	h.setPrice(2100)
	realized, err := h.ledger.ClosePosition(context.Background(), "alice", id, decimal.NewFromInt(2100), 100)
	require.NoError(t, err)
	assert.True(t, realized.Equal(decimal.NewFromInt(500)), "realized %s", realized)

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, pos.Status)

	assert.True(t, h.insurance.Balance().Equal(decimal.NewFromInt(9500)))
	assert.True(t, h.vault.LockedBalance().IsZero())
	assert.True(t, h.vault.TokenBalance().Equal(decimal.NewFromInt(9500)))

	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.True(t, snapshot.OpenInterestLong.IsZero())

	assert.Contains(t, h.drainEvents(), EventPositionClosed)
	h.assertInvariants(t)
}

func TestClosePositionLoss(t *testing.T) {
	h := newHarness(t, 10000)
	id := h.openDefault(t)

	// -5%: pnl -500, equity 500. The unreturned 500 backs the reserve.
	h.setPrice(1900)
	realized, err := h.ledger.ClosePosition(context.Background(), "alice", id, decimal.NewFromInt(1900), 100)
	require.NoError(t, err)
	assert.True(t, realized.Equal(decimal.NewFromInt(-500)))

	assert.True(t, h.insurance.Balance().Equal(decimal.NewFromInt(10500)))
	assert.True(t, h.vault.TokenBalance().Equal(decimal.NewFromInt(10500)))
	h.assertInvariants(t)
}

func TestClosePositionNegativeEquity(t *testing.T) {
	h := newHarness(t, 10000)
	id := h.openDefault(t)

	// -25%: equity -1500, payout floors at zero.
	h.setPrice(1500)
	realized, err := h.ledger.ClosePosition(context.Background(), "alice", id, decimal.NewFromInt(1500), 100)
	require.NoError(t, err)
	assert.True(t, realized.Equal(decimal.NewFromInt(-2500)), "realized %s", realized)

	// Full collateral stays behind.
	assert.True(t, h.insurance.Balance().Equal(decimal.NewFromInt(11000)))
	assert.True(t, h.vault.TokenBalance().Equal(decimal.NewFromInt(11000)))
	h.assertInvariants(t)
}

func TestClosePositionSocializedLoss(t *testing.T) {
	// Empty reserve: profit beyond collateral cannot be paid in full.
	h := newHarness(t, 0)
	id := h.openDefault(t)

	h.setPrice(2100)
	realized, err := h.ledger.ClosePosition(context.Background(), "alice", id, decimal.NewFromInt(2100), 100)
	require.NoError(t, err)
	assert.True(t, realized.Equal(decimal.NewFromInt(500)))

	types := h.drainEvents()
	assert.Contains(t, types, EventSocializedLoss)
	assert.Contains(t, types, EventPositionClosed)

	// Payout was capped at collateral; the vault is drained, not overdrawn.
	assert.True(t, h.vault.TokenBalance().IsZero())
	h.assertInvariants(t)
}

func TestClosePositionAuthorization(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)

	_, err := h.ledger.ClosePosition(context.Background(), "bob", id, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrUnauthorized)

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, pos.Status)
	h.assertInvariants(t)
}

func TestClosePositionTerminal(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)

	_, err := h.ledger.ClosePosition(context.Background(), "alice", id, decimal.NewFromInt(2000), 100)
	require.NoError(t, err)

	_, err = h.ledger.ClosePosition(context.Background(), "alice", id, decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrPositionNotOpen)
}

func TestClosePositionNotFound(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.ledger.ClosePosition(context.Background(), "alice", "no-such-id", decimal.NewFromInt(2000), 100)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestAddCollateral(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)

	require.NoError(t, h.ledger.AddCollateral("alice", id, decimal.NewFromInt(500)))

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(1500)))
	assert.True(t, h.vault.LockedBalance().Equal(decimal.NewFromInt(1500)))

	assert.ErrorIs(t, h.ledger.AddCollateral("bob", id, decimal.NewFromInt(1)), ErrUnauthorized)
	assert.ErrorIs(t, h.ledger.AddCollateral("alice", id, decimal.Zero), ErrInvalidAmount)
	h.assertInvariants(t)
}

func TestRemoveCollateral(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)
	ctx := context.Background()

	// 1000 -> 700 keeps ratio at 700 bps, above the 600 maintenance.
	require.NoError(t, h.ledger.RemoveCollateral(ctx, "alice", id, decimal.NewFromInt(300)))

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(700)))
	assert.True(t, h.vault.LockedBalance().Equal(decimal.NewFromInt(700)))
	h.assertInvariants(t)

	// 700 -> 200 would drop to 200 bps: refused, collateral unchanged.
	err = h.ledger.RemoveCollateral(ctx, "alice", id, decimal.NewFromInt(500))
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	pos, err = h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(700)))

	// Removing everything is never allowed.
	err = h.ledger.RemoveCollateral(ctx, "alice", id, decimal.NewFromInt(700))
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	assert.ErrorIs(t, h.ledger.RemoveCollateral(ctx, "bob", id, decimal.NewFromInt(1)), ErrUnauthorized)
	h.assertInvariants(t)
}

func TestDuplicateMarket(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.ledger.AddMarket(MarketConfig{Symbol: "ETH-USD", MaxLeverage: 5, MaintenanceMarginRatioBps: 500, IsActive: true})
	assert.ErrorIs(t, err, ErrMarketExists)
}

func TestSetRiskParams(t *testing.T) {
	h := newHarness(t, 0)

	require.NoError(t, h.ledger.SetRiskParams("ETH-USD", 20, 400))
	snapshot, err := h.ledger.GetMarket("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(20), snapshot.MaxLeverage)
	assert.Equal(t, int64(400), snapshot.MaintenanceMarginRatioBps)

	assert.ErrorIs(t, h.ledger.SetRiskParams("DOGE-USD", 5, 500), ErrInvalidMarket)
}

func TestReadSurface(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)
	ctx := context.Background()

	h.setPrice(1850)

	pnl, err := h.ledger.CalculatePnL(ctx, id)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(-750)), "pnl %s", pnl)

	ratio, err := h.ledger.GetMarginRatio(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(250), ratio)

	eval, err := h.ledger.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.False(t, eval.IsHealthy)

	_, err = h.ledger.Evaluate(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestGetPositionReturnsSnapshot(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)

	// Mutating the snapshot must not touch ledger state.
	pos.Collateral = decimal.NewFromInt(999999)

	fresh, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, fresh.Collateral.Equal(decimal.NewFromInt(1000)))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	h := newHarness(t, 0)
	id := h.openDefault(t)
	ctx := context.Background()

	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = h.ledger.AddCollateral("alice", id, decimal.NewFromInt(1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if _, err := h.ledger.GetPosition(id); err != nil {
				return
			}
			_, _ = h.ledger.Evaluate(ctx, id)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			h.ledger.OpenPositionIDs()
		}
	}()
	wg.Wait()

	pos, err := h.ledger.GetPosition(id)
	require.NoError(t, err)
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(1200)), "collateral %s", pos.Collateral)
	h.assertInvariants(t)
}

func TestOpenPositionIDs(t *testing.T) {
	h := newHarness(t, 0)
	first := h.openDefault(t)
	second := h.openDefault(t)

	assert.ElementsMatch(t, []string{first, second}, h.ledger.OpenPositionIDs())

	_, err := h.ledger.ClosePosition(context.Background(), "alice", first, decimal.NewFromInt(2000), 100)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{second}, h.ledger.OpenPositionIDs())
	h.assertInvariants(t)
}
