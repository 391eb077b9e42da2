package perp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PriceSource is a single price feed adapter. Pull feeds fetch on
// demand, push feeds serve their last received update; the aggregator
// treats both uniformly.
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (*PriceSample, error)
	Name() string
	Healthy() bool
}

// SourceConfig holds per-source aggregation parameters. Weight scales
// the source's influence, Heartbeat bounds sample age, Priority breaks
// ties between equal-weight samples (lower wins).
type SourceConfig struct {
	Weight    decimal.Decimal
	Heartbeat time.Duration
	Priority  int
}

// DecayPolicy controls confidence decay for samples that are stale but
// still within their source heartbeat. The curve is linear from full
// confidence at age zero down to FloorPct of the reported confidence
// at the heartbeat boundary. Policy, not law: both knobs are
// configurable per aggregator.
type DecayPolicy struct {
	Enabled  bool
	FloorPct int64 // 0-100, portion of confidence retained at heartbeat age
}

// decayed returns the sample confidence after applying the policy
func (d DecayPolicy) decayed(confidence int64, age, heartbeat time.Duration) int64 {
	if !d.Enabled || heartbeat <= 0 || age <= 0 {
		return confidence
	}
	if age >= heartbeat {
		return confidence * d.FloorPct / 100
	}

	full := decimal.NewFromInt(confidence)
	floor := full.Mul(decimal.NewFromInt(d.FloorPct)).Div(hundred)
	frac := decimal.NewFromInt(age.Nanoseconds()).Div(decimal.NewFromInt(heartbeat.Nanoseconds()))
	return full.Sub(full.Sub(floor).Mul(frac)).IntPart()
}

// OracleAggregatorConfig configures aggregation behavior
type OracleAggregatorConfig struct {
	MinSources      int
	MaxDeviationBps int64
	CacheMaxAge     time.Duration
	FetchTimeout    time.Duration
	Decay           DecayPolicy
}

// DefaultOracleConfig returns conservative aggregation defaults
func DefaultOracleConfig() OracleAggregatorConfig {
	return OracleAggregatorConfig{
		MinSources:      2,
		MaxDeviationBps: 500,
		CacheMaxAge:     2 * time.Second,
		FetchTimeout:    3 * time.Second,
		Decay:           DecayPolicy{Enabled: true, FloorPct: 80},
	}
}

type registeredSource struct {
	source PriceSource
	config SourceConfig
}

// OracleAggregator combines independent price sources into one
// validated price per symbol. It fails closed: any shortfall of valid
// samples is an error, never a best-effort price.
type OracleAggregator struct {
	sources map[string]*registeredSource
	config  OracleAggregatorConfig

	// Per-symbol policy: when set, single-source aggregation is
	// rejected even if MinSources permits it.
	requireMultipleSources map[string]bool

	cache     map[string]*AggregatedPrice
	lastValid map[string]decimal.Decimal

	logger *logrus.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

// NewOracleAggregator creates an aggregator with the given config
func NewOracleAggregator(config OracleAggregatorConfig, logger *logrus.Logger) *OracleAggregator {
	if config.MinSources < 1 {
		config.MinSources = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &OracleAggregator{
		sources:                make(map[string]*registeredSource),
		config:                 config,
		requireMultipleSources: make(map[string]bool),
		cache:                  make(map[string]*AggregatedPrice),
		lastValid:              make(map[string]decimal.Decimal),
		logger:                 logger,
		now:                    time.Now,
	}
}

// RegisterSource adds a price source with its aggregation parameters
func (oa *OracleAggregator) RegisterSource(source PriceSource, config SourceConfig) error {
	oa.mu.Lock()
	defer oa.mu.Unlock()

	name := source.Name()
	if _, exists := oa.sources[name]; exists {
		return ErrSourceExists
	}
	if config.Weight.Sign() <= 0 {
		config.Weight = decimal.NewFromInt(1)
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = 30 * time.Second
	}

	oa.sources[name] = &registeredSource{source: source, config: config}
	return nil
}

// RemoveSource drops a source from future aggregations
func (oa *OracleAggregator) RemoveSource(name string) {
	oa.mu.Lock()
	defer oa.mu.Unlock()
	delete(oa.sources, name)
}

// SetRequireMultipleSources rejects single-source aggregation for the
// symbol regardless of MinSources
func (oa *OracleAggregator) SetRequireMultipleSources(symbol string, required bool) {
	oa.mu.Lock()
	defer oa.mu.Unlock()
	oa.requireMultipleSources[symbol] = required
}

// Invalidate drops the cached aggregate for a symbol. Called on
// qualifying price update events so the next read recomputes.
func (oa *OracleAggregator) Invalidate(symbol string) {
	oa.mu.Lock()
	defer oa.mu.Unlock()
	delete(oa.cache, symbol)
}

// weightedSample pairs a surviving sample with its effective weight
type weightedSample struct {
	sample     *PriceSample
	confidence int64
	weight     decimal.Decimal
	priority   int
}

// GetAggregatedPrice returns the validated aggregate for a symbol,
// serving from cache while it is fresh. One call produces at most one
// fetch per source; source errors and timeouts degrade that source
// for this aggregation instead of blocking.
func (oa *OracleAggregator) GetAggregatedPrice(ctx context.Context, symbol string) (*AggregatedPrice, error) {
	now := oa.now()

	oa.mu.RLock()
	if cached, ok := oa.cache[symbol]; ok && now.Sub(cached.Timestamp) <= oa.config.CacheMaxAge {
		oa.mu.RUnlock()
		return cached, nil
	}
	registered := make([]*registeredSource, 0, len(oa.sources))
	for _, rs := range oa.sources {
		registered = append(registered, rs)
	}
	requireMultiple := oa.requireMultipleSources[symbol]
	lastValid, hasLastValid := oa.lastValid[symbol]
	oa.mu.RUnlock()

	samples := oa.collect(ctx, symbol, registered)

	surviving := make([]weightedSample, 0, len(samples))
	staleRejected := 0
	for _, ws := range samples {
		age := now.Sub(ws.sample.Timestamp)
		heartbeat := ws.heartbeat

		// Heartbeat guard: a sample older than its source heartbeat
		// is unusable.
		if age > heartbeat {
			staleRejected++
			continue
		}

		// Manipulation guard: deviation from the running last-valid
		// aggregate bounds how far any single update can move us.
		if hasLastValid && lastValid.Sign() > 0 {
			deviation := ws.sample.Price.Sub(lastValid).Abs().Mul(bpsDenominator).Div(lastValid)
			if deviation.GreaterThan(decimal.NewFromInt(oa.config.MaxDeviationBps)) {
				oa.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"source": ws.sample.Source,
					"price":  ws.sample.Price.String(),
				}).Warn("price sample rejected: deviation guard")
				continue
			}
		}

		conf := oa.config.Decay.decayed(ws.sample.Confidence, age, heartbeat)
		if conf <= 0 {
			continue
		}

		surviving = append(surviving, weightedSample{
			sample:     ws.sample,
			confidence: conf,
			weight:     ws.weight.Mul(decimal.NewFromInt(conf)),
			priority:   ws.priority,
		})
	}

	minSources := oa.config.MinSources
	if requireMultiple && minSources < 2 {
		minSources = 2
	}
	if len(surviving) < minSources {
		if len(surviving) == 0 && staleRejected > 0 {
			return nil, ErrStalePrice
		}
		return nil, ErrInsufficientOracleConsensus
	}

	aggregated := combine(symbol, surviving, now)

	oa.mu.Lock()
	oa.cache[symbol] = aggregated
	oa.lastValid[symbol] = aggregated.Price
	oa.mu.Unlock()

	return aggregated, nil
}

// rawSample carries a fetched sample with its source parameters
type rawSample struct {
	sample    *PriceSample
	weight    decimal.Decimal
	heartbeat time.Duration
	priority  int
}

// collect fetches one sample per source concurrently. Unhealthy
// sources are skipped; fetch errors degrade the source for this pass.
func (oa *OracleAggregator) collect(ctx context.Context, symbol string, registered []*registeredSource) []rawSample {
	type result struct {
		sample *PriceSample
		config SourceConfig
	}

	results := make(chan result, len(registered))
	var wg sync.WaitGroup

	for _, rs := range registered {
		if !rs.source.Healthy() {
			continue
		}

		wg.Add(1)
		go func(rs *registeredSource) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, oa.config.FetchTimeout)
			defer cancel()

			sample, err := rs.source.FetchPrice(fetchCtx, symbol)
			if err != nil {
				oa.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"source": rs.source.Name(),
				}).WithError(err).Debug("price source unavailable")
				return
			}
			if sample == nil || sample.Price.Sign() <= 0 {
				return
			}
			results <- result{sample: sample, config: rs.config}
		}(rs)
	}

	wg.Wait()
	close(results)

	samples := make([]rawSample, 0, len(registered))
	for r := range results {
		samples = append(samples, rawSample{
			sample:    r.sample,
			weight:    r.config.Weight,
			heartbeat: r.config.Heartbeat,
			priority:  r.config.Priority,
		})
	}
	return samples
}

// combine computes the confidence-weighted average over surviving
// samples. Ordering is deterministic: weight descending, then source
// priority ascending (lower priority number wins ties).
func combine(symbol string, samples []weightedSample, now time.Time) *AggregatedPrice {
	sort.Slice(samples, func(i, j int) bool {
		if !samples[i].weight.Equal(samples[j].weight) {
			return samples[i].weight.GreaterThan(samples[j].weight)
		}
		if samples[i].priority != samples[j].priority {
			return samples[i].priority < samples[j].priority
		}
		return samples[i].sample.Source < samples[j].sample.Source
	})

	totalWeight := decimal.Zero
	priceSum := decimal.Zero
	confSum := decimal.Zero
	minConf := samples[0].confidence

	for _, ws := range samples {
		priceSum = priceSum.Add(ws.sample.Price.Mul(ws.weight))
		confSum = confSum.Add(decimal.NewFromInt(ws.confidence).Mul(ws.weight))
		totalWeight = totalWeight.Add(ws.weight)
		if ws.confidence < minConf {
			minConf = ws.confidence
		}
	}

	// A single low-confidence contributor caps the aggregate.
	confidence := confSum.Div(totalWeight).IntPart()
	if confidence > minConf {
		confidence = minConf
	}

	return &AggregatedPrice{
		Symbol:      symbol,
		Price:       priceSum.Div(totalWeight),
		Confidence:  confidence,
		Timestamp:   now,
		SourceCount: len(samples),
	}
}
