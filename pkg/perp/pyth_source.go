package perp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// PythPriceSource is a pull-style feed in the Pyth mold: a streaming
// websocket keeps a cache of the latest published prices, and an HTTP
// endpoint backs FetchPrice when the stream has no fresh value for a
// symbol. Each published price carries its own confidence interval.
type PythPriceSource struct {
	name       string
	wsURL      string
	httpURL    string
	httpClient *http.Client

	feedIDs map[string]string // symbol -> feed id

	conn   *websocket.Conn
	prices map[string]*PriceSample

	healthy bool

	// OnUpdate fires after a streamed price lands in the cache, so
	// the aggregator can invalidate its own cached value.
	OnUpdate func(symbol string)

	mu   sync.RWMutex
	done chan struct{}
}

// NewPythPriceSource creates a Pyth-style source for the given feeds
func NewPythPriceSource(name, wsURL, httpURL string, feedIDs map[string]string) *PythPriceSource {
	return &PythPriceSource{
		name:       name,
		wsURL:      wsURL,
		httpURL:    httpURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		feedIDs:    feedIDs,
		prices:     make(map[string]*PriceSample),
		done:       make(chan struct{}),
	}
}

// pythPrice is the wire form of a single published price
type pythPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// pythFeed is one feed entry in a price update message
type pythFeed struct {
	ID    string    `json:"id"`
	Price pythPrice `json:"price"`
}

// Connect dials the stream, subscribes all feeds and starts the read
// loop. Safe to call again after a drop.
func (ps *PythPriceSource) Connect() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.conn != nil {
		ps.conn.Close()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(ps.wsURL, nil)
	if err != nil {
		ps.healthy = false
		return fmt.Errorf("pyth dial: %w", err)
	}

	ids := make([]string, 0, len(ps.feedIDs))
	for _, id := range ps.feedIDs {
		ids = append(ids, id)
	}
	sub := map[string]interface{}{"type": "subscribe", "ids": ids}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		ps.healthy = false
		return fmt.Errorf("pyth subscribe: %w", err)
	}

	ps.conn = conn
	ps.healthy = true

	go ps.readLoop(conn)
	return nil
}

// Stop closes the stream
func (ps *PythPriceSource) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	close(ps.done)
	if ps.conn != nil {
		ps.conn.Close()
		ps.conn = nil
	}
	ps.healthy = false
}

func (ps *PythPriceSource) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-ps.done:
			return
		default:
		}

		var msg struct {
			Type string   `json:"type"`
			Feed pythFeed `json:"price_feed"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			ps.mu.Lock()
			ps.healthy = false
			ps.mu.Unlock()
			return
		}
		if msg.Type != "price_update" {
			continue
		}
		ps.storeFeed(msg.Feed)
	}
}

func (ps *PythPriceSource) storeFeed(feed pythFeed) {
	symbol := ""
	for sym, id := range ps.feedIDs {
		if id == feed.ID {
			symbol = sym
			break
		}
	}
	if symbol == "" {
		return
	}

	sample, err := ps.toSample(symbol, feed.Price)
	if err != nil {
		return
	}

	ps.mu.Lock()
	ps.prices[symbol] = sample
	onUpdate := ps.OnUpdate
	ps.mu.Unlock()

	if onUpdate != nil {
		onUpdate(symbol)
	}
}

// toSample converts a wire price (integer mantissa plus exponent)
// into a sample, deriving confidence from the published interval:
// a wide interval relative to the price lowers confidence.
func (ps *PythPriceSource) toSample(symbol string, p pythPrice) (*PriceSample, error) {
	mantissa, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("pyth price: %w", err)
	}
	price := mantissa.Shift(p.Expo)
	if price.Sign() <= 0 {
		return nil, ErrSourceUnavailable
	}

	confidence := int64(100)
	if interval, err := decimal.NewFromString(p.Conf); err == nil && interval.Sign() > 0 {
		intervalBps := interval.Shift(p.Expo).Mul(bpsDenominator).Div(price).IntPart()
		confidence = 100 - intervalBps
		if confidence < 1 {
			confidence = 1
		}
	}

	return &PriceSample{
		Source:     ps.name,
		Symbol:     symbol,
		Price:      price,
		Confidence: confidence,
		Timestamp:  time.Unix(p.PublishTime, 0),
	}, nil
}

// FetchPrice returns the latest streamed sample for the symbol,
// falling back to an HTTP fetch when the stream has nothing cached
func (ps *PythPriceSource) FetchPrice(ctx context.Context, symbol string) (*PriceSample, error) {
	ps.mu.RLock()
	sample, ok := ps.prices[symbol]
	ps.mu.RUnlock()
	if ok {
		return sample, nil
	}
	return ps.fetchHTTP(ctx, symbol)
}

func (ps *PythPriceSource) fetchHTTP(ctx context.Context, symbol string) (*PriceSample, error) {
	feedID, ok := ps.feedIDs[symbol]
	if !ok {
		return nil, ErrSourceUnavailable
	}

	url := fmt.Sprintf("%s/api/latest_price_feeds?ids[]=%s", ps.httpURL, feedID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pyth fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pyth fetch: status %d", resp.StatusCode)
	}

	var feeds []pythFeed
	if err := json.NewDecoder(resp.Body).Decode(&feeds); err != nil {
		return nil, fmt.Errorf("pyth decode: %w", err)
	}
	if len(feeds) == 0 {
		return nil, ErrSourceUnavailable
	}

	return ps.toSample(symbol, feeds[0].Price)
}

// Name returns the source name
func (ps *PythPriceSource) Name() string { return ps.name }

// Healthy reports whether the source can currently serve prices
func (ps *PythPriceSource) Healthy() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	// A dropped stream still serves via HTTP.
	return ps.healthy || ps.httpURL != ""
}
