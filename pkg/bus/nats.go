// Package bus publishes engine events to NATS for external consumers
// (indexers, APIs). The engine never depends on delivery.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/perp/pkg/perp"
)

// NATSPublisher publishes engine events as JSON on
// <prefix>.<event_type> subjects
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logrus.Logger
}

// wireEvent is the published form of an engine event
type wireEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewNATSPublisher connects to the NATS server and returns a
// publisher rooted at the given subject prefix
func NewNATSPublisher(url, prefix string, logger *logrus.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "perp.events"
	}
	if logger == nil {
		logger = logrus.New()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends the event. Failures are logged and dropped; the
// engine must never block on the bus.
func (p *NATSPublisher) Publish(event perp.Event) {
	payload, err := json.Marshal(wireEvent{
		Type:      event.Type.String(),
		Timestamp: event.Timestamp,
		Data:      event.Data,
	})
	if err != nil {
		p.logger.WithError(err).Warn("event marshal failed")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.Type.String())
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.WithField("subject", subject).WithError(err).Warn("event publish failed")
	}
}

// Close drains and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}
