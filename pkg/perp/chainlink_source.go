package perp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ChainlinkPriceSource is a push-style feed in the Chainlink mold: a
// background loop polls each feed's latest round and caches it, and
// FetchPrice serves whatever round was last received. Round feeds
// publish no confidence interval, so a fixed per-source confidence is
// configured instead.
type ChainlinkPriceSource struct {
	name       string
	feedURLs   map[string]string // symbol -> latest-round endpoint
	httpClient *http.Client

	pollInterval time.Duration
	confidence   int64

	prices       map[string]*PriceSample
	failureCount int
	maxFailures  int
	healthy      bool
	polling      bool

	// OnUpdate fires when a poll lands a new round in the cache
	OnUpdate func(symbol string)

	mu   sync.RWMutex
	done chan struct{}
}

// NewChainlinkPriceSource creates a Chainlink-style source polling
// the given per-symbol round endpoints
func NewChainlinkPriceSource(name string, feedURLs map[string]string, pollInterval time.Duration, confidence int64) *ChainlinkPriceSource {
	if confidence <= 0 || confidence > 100 {
		confidence = 95
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ChainlinkPriceSource{
		name:         name,
		feedURLs:     feedURLs,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		pollInterval: pollInterval,
		confidence:   confidence,
		prices:       make(map[string]*PriceSample),
		maxFailures:  3,
		healthy:      true,
		done:         make(chan struct{}),
	}
}

// chainlinkRound is the wire form of a feed's latest round
type chainlinkRound struct {
	RoundID   uint64 `json:"roundId"`
	Answer    string `json:"answer"`
	Decimals  int32  `json:"decimals"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Start begins the poll loop
func (cs *ChainlinkPriceSource) Start() {
	cs.mu.Lock()
	if cs.polling {
		cs.mu.Unlock()
		return
	}
	cs.polling = true
	cs.mu.Unlock()

	go cs.pollLoop()
}

// Stop halts polling
func (cs *ChainlinkPriceSource) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.polling {
		return
	}
	cs.polling = false
	close(cs.done)
}

func (cs *ChainlinkPriceSource) pollLoop() {
	ticker := time.NewTicker(cs.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.done:
			return
		case <-ticker.C:
			cs.pollAll()
		}
	}
}

func (cs *ChainlinkPriceSource) pollAll() {
	failed := false
	for symbol, url := range cs.feedURLs {
		ctx, cancel := context.WithTimeout(context.Background(), cs.httpClient.Timeout)
		sample, err := cs.fetchRound(ctx, symbol, url)
		cancel()
		if err != nil {
			failed = true
			continue
		}

		cs.mu.Lock()
		cs.prices[symbol] = sample
		onUpdate := cs.OnUpdate
		cs.mu.Unlock()

		if onUpdate != nil {
			onUpdate(symbol)
		}
	}

	cs.mu.Lock()
	if failed {
		cs.failureCount++
	} else {
		cs.failureCount = 0
	}
	cs.healthy = cs.failureCount < cs.maxFailures
	cs.mu.Unlock()
}

func (cs *ChainlinkPriceSource) fetchRound(ctx context.Context, symbol, url string) (*PriceSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := cs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chainlink poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chainlink poll: status %d", resp.StatusCode)
	}

	var round chainlinkRound
	if err := json.NewDecoder(resp.Body).Decode(&round); err != nil {
		return nil, fmt.Errorf("chainlink decode: %w", err)
	}

	answer, err := decimal.NewFromString(round.Answer)
	if err != nil {
		return nil, fmt.Errorf("chainlink answer: %w", err)
	}
	price := answer.Shift(-round.Decimals)
	if price.Sign() <= 0 {
		return nil, ErrSourceUnavailable
	}

	return &PriceSample{
		Source:     cs.name,
		Symbol:     symbol,
		Price:      price,
		Confidence: cs.confidence,
		Timestamp:  time.Unix(round.UpdatedAt, 0),
	}, nil
}

// FetchPrice serves the last polled round for the symbol. Push
// semantics: no network call on the read path.
func (cs *ChainlinkPriceSource) FetchPrice(ctx context.Context, symbol string) (*PriceSample, error) {
	cs.mu.RLock()
	sample, ok := cs.prices[symbol]
	cs.mu.RUnlock()

	if !ok {
		// Cold cache: fetch the round directly once.
		url, exists := cs.feedURLs[symbol]
		if !exists {
			return nil, ErrSourceUnavailable
		}
		return cs.fetchRound(ctx, symbol, url)
	}
	return sample, nil
}

// Name returns the source name
func (cs *ChainlinkPriceSource) Name() string { return cs.name }

// Healthy reports whether recent polls have been succeeding
func (cs *ChainlinkPriceSource) Healthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}
