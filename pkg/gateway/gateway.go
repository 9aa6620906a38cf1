/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ingestpipe/core/pkg/gateway/adapter"
	sharedbackoff "github.com/ingestpipe/core/pkg/shared/backoff"
	"github.com/ingestpipe/core/pkg/shared/errors"
	"github.com/ingestpipe/core/pkg/shared/logging"
	"github.com/ingestpipe/core/pkg/shared/metrics"
)

// FailoverConfig holds the gateway's config-mutable failover parameters
// (spec §6 provider.json's "failover" block; spec §4.F's weights and
// retry/breaker knobs). Config-plane-mutable per SPEC_FULL.md §6.
type FailoverConfig struct {
	CircuitBreakerThreshold uint32
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration
	MaxRetries              int
	BaseRetryDelay          time.Duration
	MaxRetryDelay           time.Duration
	RetryMultiplier         float64
	DefaultWeight           float64
	PerformanceWeight       float64
	CostWeight              float64
	ReliabilityWeight       float64
	CostCap                 float64
}

// DefaultFailoverConfig matches the retry/breaker defaults spec §4.F states.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		HealthCheckInterval:     time.Minute,
		MaxRetries:              2,
		BaseRetryDelay:          500 * time.Millisecond,
		MaxRetryDelay:           10 * time.Second,
		RetryMultiplier:         2,
		DefaultWeight:           1,
		PerformanceWeight:       1,
		CostWeight:              1,
		ReliabilityWeight:       1,
		CostCap:                 1,
	}
}

func (c FailoverConfig) weights() Weights {
	return Weights{Performance: c.PerformanceWeight, Reliability: c.ReliabilityWeight, Cost: c.CostWeight}
}

func (c FailoverConfig) completionOptions() CompletionOptions {
	return CompletionOptions{
		MaxRetries:    c.MaxRetries,
		BaseDelay:     c.BaseRetryDelay,
		MaxRetryDelay: c.MaxRetryDelay,
		Jitter:        0.25,
	}
}

// registration pairs an adapter with its own stats and circuit breaker.
type registration struct {
	adapter adapter.ProviderAdapter
	stats   ProviderStats
	breaker *breaker
}

// Gateway is the Provider Gateway (spec §4.F): a provider registry,
// weighted candidate selection, bounded per-candidate retry, a
// circuit breaker per provider, success/failure accounting, event
// emission, and periodic health probing. Gateway is safe for concurrent
// use; provider runtime state and breaker state are mutated only here
// (spec §5's "shared-resource policy").
type Gateway struct {
	mu   sync.RWMutex
	reg  map[string]*registration
	cfg  FailoverConfig
	bus  *bus
	log  *logrus.Logger
	clock func() time.Time

	prompts *PromptStore
	metrics *metrics.Metrics

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New builds an empty Gateway. A nil logger falls back to logrus'
// standard logger.
func New(cfg FailoverConfig, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{
		reg:     make(map[string]*registration),
		cfg:     cfg,
		bus:     newBus(),
		log:     log,
		clock:   time.Now,
		prompts: NewPromptStore(),
	}
}

// Subscribe returns a channel of gateway events and an unsubscribe function.
func (g *Gateway) Subscribe() (<-chan Event, func()) {
	return g.bus.Subscribe()
}

// Prompts exposes the gateway's prompt-template store (spec §4.F's
// executeWithPrompt capability).
func (g *Gateway) Prompts() *PromptStore {
	return g.prompts
}

// SetMetrics wires a metrics collector in; nil disables instrumentation.
func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = m
}

// Configure rebinds the gateway's failover knobs. Weights, cost cap and
// retry settings take effect for subsequent Execute calls. The breaker
// threshold and timeout are read only when a provider is first
// registered, so breakers of already-registered providers keep the values
// they were built with.
func (g *Gateway) Configure(cfg FailoverConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// RegisterProvider adds a provider in a closed breaker state, with its
// own zeroed stats. Registering the same name twice replaces the adapter
// but preserves accumulated stats and breaker state.
func (g *Gateway) RegisterProvider(a adapter.ProviderAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := a.Name()
	if existing, ok := g.reg[name]; ok {
		existing.adapter = a
		return
	}
	g.reg[name] = &registration{
		adapter: a,
		breaker: newBreaker(name, g.cfg.CircuitBreakerThreshold, g.cfg.CircuitBreakerTimeout, func(from, to breakerState) {
			g.onBreakerStateChange(name, from, to)
		}),
	}
}

func (g *Gateway) onBreakerStateChange(name string, from, to breakerState) {
	g.mu.RLock()
	m := g.metrics
	g.mu.RUnlock()
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(to)))
	}
	switch {
	case to == BreakerOpen:
		g.bus.publish(Event{Kind: EventCircuitOpened, Provider: name})
	case from == BreakerHalfOpen && to == BreakerClosed:
		g.bus.publish(Event{Kind: EventProviderRecovered, Provider: name})
	}
}

// Execute chooses an ordered list of candidates, calls the highest-ranked
// one with bounded retry, and fails over to the next candidate on
// non-recoverable exhaustion (spec §4.F). It returns the last classified
// error if every candidate is exhausted.
func (g *Gateway) Execute(ctx context.Context, req adapter.CompletionRequest) (ExecutionResult, error) {
	g.mu.RLock()
	if len(g.reg) == 0 {
		g.mu.RUnlock()
		return ExecutionResult{}, errors.ValidationError("provider", "no providers registered")
	}
	now := g.clock()
	cands := make([]candidate, 0, len(g.reg))
	for name, r := range g.reg {
		cands = append(cands, candidate{name: name, score: score(r.stats, g.cfg.weights(), g.cfg.CostCap, now), state: r.breaker.State()})
	}
	opts := g.cfg.completionOptions()
	g.mu.RUnlock()

	ranked := rankCandidates(cands)
	var lastErr error
	for _, c := range ranked {
		resp, err := g.attempt(ctx, c.name, req, opts)
		if err == nil {
			return ExecutionResult{Provider: c.name, Response: resp}, nil
		}
		lastErr = err
	}
	g.bus.publish(Event{Kind: EventAllProvidersFailed, Err: lastErr})
	if lastErr == nil {
		lastErr = errors.FailedTo("execute against any candidate", nil)
	}
	return ExecutionResult{}, lastErr
}

// attempt runs the per-candidate bounded retry (spec §4.F) through the
// named provider's circuit breaker, recording success/failure accounting
// on the way out.
func (g *Gateway) attempt(ctx context.Context, name string, req adapter.CompletionRequest, opts CompletionOptions) (adapter.CompletionResponse, error) {
	g.mu.RLock()
	r, ok := g.reg[name]
	multiplier := g.cfg.RetryMultiplier
	g.mu.RUnlock()
	if !ok {
		return adapter.CompletionResponse{}, errors.ValidationError("provider", "unknown provider "+name)
	}

	attempts := 1 + opts.MaxRetries
	policy := sharedbackoff.Policy{Base: opts.BaseDelay, Multiplier: multiplier, Cap: opts.MaxRetryDelay, Jitter: opts.Jitter}

	var lastErr error
	for n := 0; n < attempts; n++ {
		start := time.Now()
		resp, err := r.breaker.Execute(func() (adapter.CompletionResponse, error) {
			return r.adapter.Complete(ctx, req)
		})
		elapsed := time.Since(start)

		if err == nil {
			g.recordSuccess(name, resp, elapsed)
			return resp, nil
		}
		lastErr = err
		g.recordFailure(name, err)

		if !errors.IsRetryable(err) || n == attempts-1 {
			break
		}
		delay := policy.Next(n)
		if delay < 100*time.Millisecond {
			delay = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return adapter.CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return adapter.CompletionResponse{}, lastErr
}

func (g *Gateway) recordSuccess(name string, resp adapter.CompletionResponse, elapsed time.Duration) {
	g.mu.Lock()
	r := g.reg[name]
	r.stats.recordResponseTime(elapsed)
	var cost float64
	if !resp.Cost.Total.IsZero() {
		cost, _ = resp.Cost.Total.Float64()
		r.stats.recordCost(cost)
	}
	r.stats.SuccessCalls++
	r.stats.TotalCalls++
	r.stats.ConsecutiveFailures = 0
	m := g.metrics
	g.mu.Unlock()

	if m != nil {
		m.CandidateLatency.WithLabelValues(name).Observe(elapsed.Seconds())
		if cost > 0 {
			m.CandidateCostTotal.WithLabelValues(name).Add(cost)
		}
	}
	g.bus.publish(Event{Kind: EventExecutionSuccess, Provider: name})
}

func (g *Gateway) recordFailure(name string, err error) {
	g.mu.Lock()
	r := g.reg[name]
	r.stats.TotalCalls++
	r.stats.ConsecutiveFailures++
	now := g.clock()
	r.stats.LastFailureAt = &now
	g.mu.Unlock()

	g.log.WithFields(logging.NewFields().Component("gateway").Operation("execute").Resource("provider", name).Error(err).ToLogrus()).Warn("provider call failed")
	g.bus.publish(Event{Kind: EventProviderFailure, Provider: name, Err: err})
}

// Stats returns a read-only snapshot of one provider's runtime state, or
// false if name is not registered.
func (g *Gateway) Stats(name string) (ProviderStats, breakerState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.reg[name]
	if !ok {
		return ProviderStats{}, "", false
	}
	return r.stats, r.breaker.State(), true
}

// StartHealthProbe begins a periodic tick invoking every provider's
// HealthCheck; a successful probe on an unhealthy-looking provider (one
// with consecutive failures recorded) resets its consecutive-failure
// count, per spec §4.F's "probe failures do not directly open circuits;
// only real requests do."
func (g *Gateway) StartHealthProbe(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.cfg.HealthCheckInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	g.healthCancel = cancel
	g.healthDone = make(chan struct{})
	go func() {
		defer close(g.healthDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.probeAll(ctx)
			}
		}
	}()
}

// StopHealthProbe stops the health-probe ticker and waits for it to exit.
func (g *Gateway) StopHealthProbe() {
	if g.healthCancel == nil {
		return
	}
	g.healthCancel()
	<-g.healthDone
}

func (g *Gateway) probeAll(ctx context.Context) {
	g.mu.RLock()
	names := make([]string, 0, len(g.reg))
	for name := range g.reg {
		names = append(names, name)
	}
	g.mu.RUnlock()

	for _, name := range names {
		g.mu.RLock()
		r, ok := g.reg[name]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		status, err := r.adapter.HealthCheck(ctx)
		if err != nil || !status.Healthy {
			continue
		}
		g.mu.Lock()
		r.stats.ConsecutiveFailures = 0
		g.mu.Unlock()
	}
}
