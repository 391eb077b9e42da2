package perp

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the lifecycle state of a position.
// Open is the only non-terminal state; a position transitions to
// Closed or Liquidated exactly once and is never reopened.
type PositionStatus int

const (
	StatusOpen PositionStatus = iota
	StatusClosed
	StatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Market represents a perpetual market. Funding fields are mutated
// only by the funding accrual pass, open interest only by the ledger.
// Markets are deactivated, never deleted.
type Market struct {
	Symbol                    string
	MaxLeverage               int64
	MaintenanceMarginRatioBps int64
	FundingRateBps            int64 // last applied per-interval rate
	LastFundingTime           time.Time
	CumulativeFundingIndex    decimal.Decimal // signed, quote units per size unit
	OpenInterestLong          decimal.Decimal
	OpenInterestShort         decimal.Decimal
	IsActive                  bool

	mu sync.RWMutex
}

// MarketConfig configuration for creating a market
type MarketConfig struct {
	Symbol                    string
	MaxLeverage               int64
	MaintenanceMarginRatioBps int64
	IsActive                  bool
}

// MarketSnapshot is a point-in-time copy of market state for readers
type MarketSnapshot struct {
	Symbol                    string
	MaxLeverage               int64
	MaintenanceMarginRatioBps int64
	FundingRateBps            int64
	LastFundingTime           time.Time
	CumulativeFundingIndex    decimal.Decimal
	OpenInterestLong          decimal.Decimal
	OpenInterestShort         decimal.Decimal
	IsActive                  bool
}

// snapshot copies market state under the market lock
func (m *Market) snapshot() MarketSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MarketSnapshot{
		Symbol:                    m.Symbol,
		MaxLeverage:               m.MaxLeverage,
		MaintenanceMarginRatioBps: m.MaintenanceMarginRatioBps,
		FundingRateBps:            m.FundingRateBps,
		LastFundingTime:           m.LastFundingTime,
		CumulativeFundingIndex:    m.CumulativeFundingIndex,
		OpenInterestLong:          m.OpenInterestLong,
		OpenInterestShort:         m.OpenInterestShort,
		IsActive:                  m.IsActive,
	}
}

// Position represents a leveraged perpetual position.
// EntryFundingIndex is snapshotted at open and never mutated.
type Position struct {
	ID                string
	Trader            string
	Symbol            string
	Size              decimal.Decimal
	Collateral        decimal.Decimal
	EntryPrice        decimal.Decimal
	EntryFundingIndex decimal.Decimal
	IsLong            bool
	Status            PositionStatus
	OpenedAt          time.Time
}

// clone returns a copy safe to hand to readers
func (p *Position) clone() *Position {
	c := *p
	return &c
}

// PriceSample is a single observation from one price source.
// Produced by a PriceSource adapter, consumed immediately by the
// aggregator.
type PriceSample struct {
	Source     string
	Symbol     string
	Price      decimal.Decimal
	Confidence int64 // 0-100
	Timestamp  time.Time
}

// AggregatedPrice is a validated, confidence-weighted combination of
// samples from multiple sources. Cached per symbol.
type AggregatedPrice struct {
	Symbol      string
	Price       decimal.Decimal
	Confidence  int64
	Timestamp   time.Time
	SourceCount int
}

var (
	bpsDenominator = decimal.NewFromInt(10000)
	hundred        = decimal.NewFromInt(100)
)
