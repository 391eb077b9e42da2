package perp

import (
	"time"
)

// EventType identifies an engine fact emitted for external consumers
type EventType int

const (
	EventPositionOpened EventType = iota
	EventPositionClosed
	EventPositionLiquidated
	EventCollateralAdded
	EventCollateralRemoved
	EventFundingAccrued
	EventSocializedLoss
)

func (t EventType) String() string {
	switch t {
	case EventPositionOpened:
		return "position_opened"
	case EventPositionClosed:
		return "position_closed"
	case EventPositionLiquidated:
		return "position_liquidated"
	case EventCollateralAdded:
		return "collateral_added"
	case EventCollateralRemoved:
		return "collateral_removed"
	case EventFundingAccrued:
		return "funding_accrued"
	case EventSocializedLoss:
		return "socialized_loss"
	default:
		return "unknown"
	}
}

// Event is an engine fact. Indexers and APIs consume these; the
// engine itself never reads them back.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventPublisher delivers engine events to external consumers.
// Publish must not block the engine; implementations drop or buffer.
type EventPublisher interface {
	Publish(event Event)
}

// NopPublisher discards all events
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// ChanPublisher buffers events on a channel, dropping when full.
// Used by in-process consumers and tests.
type ChanPublisher struct {
	C chan Event
}

// NewChanPublisher creates a channel-backed publisher
func NewChanPublisher(size int) *ChanPublisher {
	return &ChanPublisher{C: make(chan Event, size)}
}

func (p *ChanPublisher) Publish(event Event) {
	select {
	case p.C <- event:
	default:
		// Channel full, drop event
	}
}
