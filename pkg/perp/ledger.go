package perp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PositionLedger owns position and market records and executes
// open/close/add-collateral/remove-collateral as atomic transitions.
// Writes to a single position are serialized by a per-position lock;
// market aggregates mutate under the market lock; vault balance
// changes happen inside the same critical section as the position
// transition they accompany.
type PositionLedger struct {
	markets   map[string]*Market
	positions map[string]*Position
	posLocks  map[string]*sync.Mutex

	vault     *CollateralVault
	oracle    *OracleAggregator
	margin    *MarginEngine
	insurance *InsuranceFund
	publisher EventPublisher

	logger *logrus.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

// NewPositionLedger creates a ledger backed by the given collaborators
func NewPositionLedger(vault *CollateralVault, oracle *OracleAggregator, margin *MarginEngine, insurance *InsuranceFund, publisher EventPublisher, logger *logrus.Logger) *PositionLedger {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PositionLedger{
		markets:   make(map[string]*Market),
		positions: make(map[string]*Position),
		posLocks:  make(map[string]*sync.Mutex),
		vault:     vault,
		oracle:    oracle,
		margin:    margin,
		insurance: insurance,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// AddMarket registers a market. Administrative boundary: callers are
// already authorized.
func (l *PositionLedger) AddMarket(config MarketConfig) (*Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.markets[config.Symbol]; exists {
		return nil, ErrMarketExists
	}

	market := &Market{
		Symbol:                    config.Symbol,
		MaxLeverage:               config.MaxLeverage,
		MaintenanceMarginRatioBps: config.MaintenanceMarginRatioBps,
		CumulativeFundingIndex:    decimal.Zero,
		OpenInterestLong:          decimal.Zero,
		OpenInterestShort:         decimal.Zero,
		LastFundingTime:           l.now(),
		IsActive:                  config.IsActive,
	}
	l.markets[config.Symbol] = market
	return market, nil
}

// SetMarketActive activates or deactivates a market. Markets are
// never deleted.
func (l *PositionLedger) SetMarketActive(symbol string, active bool) error {
	market, err := l.market(symbol)
	if err != nil {
		return err
	}

	market.mu.Lock()
	market.IsActive = active
	market.mu.Unlock()
	return nil
}

// SetRiskParams updates leverage and maintenance margin for a market
func (l *PositionLedger) SetRiskParams(symbol string, maxLeverage, maintenanceMarginRatioBps int64) error {
	market, err := l.market(symbol)
	if err != nil {
		return err
	}

	market.mu.Lock()
	market.MaxLeverage = maxLeverage
	market.MaintenanceMarginRatioBps = maintenanceMarginRatioBps
	market.mu.Unlock()
	return nil
}

func (l *PositionLedger) market(symbol string) (*Market, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	market, exists := l.markets[symbol]
	if !exists {
		return nil, ErrInvalidMarket
	}
	return market, nil
}

// lockedPosition resolves a position and acquires its write lock.
// The caller must release the returned mutex.
func (l *PositionLedger) lockedPosition(id string) (*Position, *sync.Mutex, error) {
	l.mu.RLock()
	pos, exists := l.positions[id]
	lock := l.posLocks[id]
	l.mu.RUnlock()

	if !exists {
		return nil, nil, ErrPositionNotFound
	}

	lock.Lock()
	return pos, lock, nil
}

// OpenPosition validates, prices and commits a new position. All
// validation happens before any mutation; a single price snapshot
// serves both the slippage check and the committed entry price.
func (l *PositionLedger) OpenPosition(ctx context.Context, trader, symbol string, size, collateral decimal.Decimal, isLong bool, expectedPrice decimal.Decimal, maxSlippageBps int64) (string, error) {
	if size.Sign() <= 0 || collateral.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	market, err := l.market(symbol)
	if err != nil {
		return "", err
	}

	market.mu.RLock()
	active := market.IsActive
	maxLeverage := market.MaxLeverage
	market.mu.RUnlock()

	if !active {
		return "", ErrInvalidMarket
	}

	// size/collateral <= maxLeverage, kept exact as size <= collateral*maxLeverage
	if size.GreaterThan(collateral.Mul(decimal.NewFromInt(maxLeverage))) {
		return "", ErrExcessiveLeverage
	}

	price, err := l.oracle.GetAggregatedPrice(ctx, symbol)
	if err != nil {
		return "", err
	}
	if err := checkSlippage(price.Price, expectedPrice, maxSlippageBps); err != nil {
		return "", err
	}

	id := uuid.New().String()
	openedAt := l.now()

	// Commit point: vault lock, position create and open-interest
	// increment form one atomic unit.
	market.mu.Lock()
	if err := l.vault.Lock(collateral); err != nil {
		market.mu.Unlock()
		return "", err
	}

	pos := &Position{
		ID:                id,
		Trader:            trader,
		Symbol:            symbol,
		Size:              size,
		Collateral:        collateral,
		EntryPrice:        price.Price,
		EntryFundingIndex: market.CumulativeFundingIndex,
		IsLong:            isLong,
		Status:            StatusOpen,
		OpenedAt:          openedAt,
	}

	if isLong {
		market.OpenInterestLong = market.OpenInterestLong.Add(size)
	} else {
		market.OpenInterestShort = market.OpenInterestShort.Add(size)
	}
	market.mu.Unlock()

	l.mu.Lock()
	l.positions[id] = pos
	l.posLocks[id] = &sync.Mutex{}
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"position":   id,
		"trader":     trader,
		"symbol":     symbol,
		"size":       size.String(),
		"collateral": collateral.String(),
		"entry":      price.Price.String(),
		"long":       isLong,
	}).Info("position opened")

	l.publisher.Publish(Event{
		Type:      EventPositionOpened,
		Timestamp: openedAt,
		Data: map[string]interface{}{
			"position":   id,
			"trader":     trader,
			"symbol":     symbol,
			"size":       size.String(),
			"collateral": collateral.String(),
			"entryPrice": price.Price.String(),
			"isLong":     isLong,
		},
	})

	return id, nil
}

// ClosePosition settles an open position at the current aggregated
// price and returns the realized PnL (signed; may be negative).
func (l *PositionLedger) ClosePosition(ctx context.Context, trader, id string, expectedPrice decimal.Decimal, maxSlippageBps int64) (decimal.Decimal, error) {
	pos, lock, err := l.lockedPosition(id)
	if err != nil {
		return decimal.Zero, err
	}
	defer lock.Unlock()

	// Ownership is checked before any position state is read further.
	if pos.Trader != trader {
		return decimal.Zero, ErrUnauthorized
	}
	if pos.Status != StatusOpen {
		return decimal.Zero, ErrPositionNotOpen
	}

	market, err := l.market(pos.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	price, err := l.oracle.GetAggregatedPrice(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if err := checkSlippage(price.Price, expectedPrice, maxSlippageBps); err != nil {
		return decimal.Zero, err
	}

	eval := l.margin.Evaluate(pos, price.Price, market.snapshot())
	realized := eval.Equity.Sub(pos.Collateral)

	// Payout floors at zero; equity beyond collateral is funded by
	// the insurance reserve, losses accrue to it.
	payout := eval.Equity
	if payout.Sign() < 0 {
		payout = decimal.Zero
	}
	if err := l.settle(market, pos, payout, EventSocializedLoss); err != nil {
		return decimal.Zero, err
	}

	pos.Status = StatusClosed

	l.logger.WithFields(logrus.Fields{
		"position": id,
		"trader":   trader,
		"symbol":   pos.Symbol,
		"price":    price.Price.String(),
		"realized": realized.String(),
	}).Info("position closed")

	l.publisher.Publish(Event{
		Type:      EventPositionClosed,
		Timestamp: l.now(),
		Data: map[string]interface{}{
			"position":   id,
			"trader":     trader,
			"symbol":     pos.Symbol,
			"exitPrice":  price.Price.String(),
			"realized":   realized.String(),
			"payout":     payout.String(),
			"collateral": pos.Collateral.String(),
		},
	})

	return realized, nil
}

// settle releases a position's collateral and pays out, drawing on
// the insurance reserve when the payout exceeds collateral. A reserve
// shortfall is surfaced as a socialized-loss event, never dropped.
func (l *PositionLedger) settle(market *Market, pos *Position, payout decimal.Decimal, lossEvent EventType) error {
	excess := payout.Sub(pos.Collateral)
	if excess.Sign() > 0 {
		drawn := l.insurance.Draw(excess)
		if drawn.LessThan(excess) {
			shortfall := excess.Sub(drawn)
			payout = pos.Collateral.Add(drawn)
			l.logger.WithFields(logrus.Fields{
				"position":  pos.ID,
				"shortfall": shortfall.String(),
			}).Error("insurance reserve exhausted, loss socialized")
			l.publisher.Publish(Event{
				Type:      lossEvent,
				Timestamp: l.now(),
				Data: map[string]interface{}{
					"position":  pos.ID,
					"symbol":    pos.Symbol,
					"shortfall": shortfall.String(),
				},
			})
		}
	} else if excess.Sign() < 0 {
		// Collateral not returned to the trader backs the reserve.
		l.insurance.Deposit(excess.Neg())
	}

	market.mu.Lock()
	defer market.mu.Unlock()

	if err := l.vault.Release(pos.Collateral, payout); err != nil {
		return err
	}
	if pos.IsLong {
		market.OpenInterestLong = market.OpenInterestLong.Sub(pos.Size)
	} else {
		market.OpenInterestShort = market.OpenInterestShort.Sub(pos.Size)
	}
	return nil
}

// AddCollateral locks additional collateral into an open position
func (l *PositionLedger) AddCollateral(trader, id string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pos, lock, err := l.lockedPosition(id)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if pos.Trader != trader {
		return ErrUnauthorized
	}
	if pos.Status != StatusOpen {
		return ErrPositionNotOpen
	}

	if err := l.vault.Lock(amount); err != nil {
		return err
	}
	pos.Collateral = pos.Collateral.Add(amount)

	l.publisher.Publish(Event{
		Type:      EventCollateralAdded,
		Timestamp: l.now(),
		Data: map[string]interface{}{
			"position": id,
			"trader":   trader,
			"amount":   amount.String(),
		},
	})
	return nil
}

// RemoveCollateral unlocks collateral from an open position, refusing
// any removal that would leave the position below maintenance margin.
func (l *PositionLedger) RemoveCollateral(ctx context.Context, trader, id string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pos, lock, err := l.lockedPosition(id)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if pos.Trader != trader {
		return ErrUnauthorized
	}
	if pos.Status != StatusOpen {
		return ErrPositionNotOpen
	}
	if amount.GreaterThanOrEqual(pos.Collateral) {
		return ErrInsufficientCollateral
	}

	market, err := l.market(pos.Symbol)
	if err != nil {
		return err
	}
	price, err := l.oracle.GetAggregatedPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	// Re-evaluate with the reduced collateral before committing.
	reduced := pos.clone()
	reduced.Collateral = pos.Collateral.Sub(amount)
	snapshot := market.snapshot()
	eval := l.margin.Evaluate(reduced, price.Price, snapshot)
	if eval.MarginRatioBps < snapshot.MaintenanceMarginRatioBps {
		return ErrInsufficientCollateral
	}

	if err := l.vault.Release(amount, amount); err != nil {
		return err
	}
	pos.Collateral = reduced.Collateral

	l.publisher.Publish(Event{
		Type:      EventCollateralRemoved,
		Timestamp: l.now(),
		Data: map[string]interface{}{
			"position": id,
			"trader":   trader,
			"amount":   amount.String(),
		},
	})
	return nil
}

// GetPosition returns a snapshot of a position. The copy is taken
// under the position lock so concurrent writers never tear a read.
func (l *PositionLedger) GetPosition(id string) (*Position, error) {
	pos, lock, err := l.lockedPosition(id)
	if err != nil {
		return nil, err
	}
	snapshot := pos.clone()
	lock.Unlock()
	return snapshot, nil
}

// GetMarket returns a snapshot of a market
func (l *PositionLedger) GetMarket(symbol string) (MarketSnapshot, error) {
	market, err := l.market(symbol)
	if err != nil {
		return MarketSnapshot{}, err
	}
	return market.snapshot(), nil
}

// Markets returns the symbols of all registered markets
func (l *PositionLedger) Markets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	symbols := make([]string, 0, len(l.markets))
	for symbol := range l.markets {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// OpenPositionIDs returns the ids of all open positions. Status is
// read per position under its lock; the result is a snapshot and may
// lag concurrent transitions.
func (l *PositionLedger) OpenPositionIDs() []string {
	type entry struct {
		id   string
		pos  *Position
		lock *sync.Mutex
	}

	l.mu.RLock()
	entries := make([]entry, 0, len(l.positions))
	for id, pos := range l.positions {
		entries = append(entries, entry{id: id, pos: pos, lock: l.posLocks[id]})
	}
	l.mu.RUnlock()

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		e.lock.Lock()
		open := e.pos.Status == StatusOpen
		e.lock.Unlock()
		if open {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Evaluate computes the margin evaluation of a position at the
// current aggregated price. Read-only surface for external callers.
// The position is copied under its lock and released before the
// oracle read, so a slow price fetch never blocks writers.
func (l *PositionLedger) Evaluate(ctx context.Context, id string) (MarginEvaluation, error) {
	pos, lock, err := l.lockedPosition(id)
	if err != nil {
		return MarginEvaluation{}, err
	}
	snapshot := pos.clone()
	lock.Unlock()

	market, err := l.market(snapshot.Symbol)
	if err != nil {
		return MarginEvaluation{}, err
	}
	price, err := l.oracle.GetAggregatedPrice(ctx, snapshot.Symbol)
	if err != nil {
		return MarginEvaluation{}, err
	}
	return l.margin.Evaluate(snapshot, price.Price, market.snapshot()), nil
}

// CalculatePnL returns the unrealized PnL of a position
func (l *PositionLedger) CalculatePnL(ctx context.Context, id string) (decimal.Decimal, error) {
	eval, err := l.Evaluate(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return eval.UnrealizedPnL, nil
}

// GetMarginRatio returns the margin ratio of a position in bps
func (l *PositionLedger) GetMarginRatio(ctx context.Context, id string) (int64, error) {
	eval, err := l.Evaluate(ctx, id)
	if err != nil {
		return 0, err
	}
	return eval.MarginRatioBps, nil
}

// checkSlippage bounds the deviation between the price used and the
// caller's expected price, in bps
func checkSlippage(price, expected decimal.Decimal, maxSlippageBps int64) error {
	if expected.Sign() <= 0 {
		return ErrInvalidAmount
	}
	deviation := price.Sub(expected).Abs().Mul(bpsDenominator).Div(expected)
	if deviation.GreaterThan(decimal.NewFromInt(maxSlippageBps)) {
		return ErrSlippageExceeded
	}
	return nil
}
