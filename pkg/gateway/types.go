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

// Package gateway implements the Provider Gateway (spec §4.F): a provider
// registry, weighted candidate selection, per-candidate bounded retry,
// a count-based circuit breaker per provider, success/failure accounting,
// event emission, periodic health probing, and prompt-template execution.
package gateway

import (
	"time"

	"github.com/ingestpipe/core/pkg/gateway/adapter"
)

// Weights are the scoring formula's config-mutable coefficients (spec
// §4.F). Defaults weight performance, reliability and cost equally.
type Weights struct {
	Performance float64
	Reliability float64
	Cost        float64
}

// DefaultWeights weights the three scoring terms equally; spec leaves the
// exact default unspecified ("weights are config-mutable"), so equal
// weights are this module's own choice.
func DefaultWeights() Weights {
	return Weights{Performance: 1, Reliability: 1, Cost: 1}
}

// responseRingCap bounds the response-time/cost history ring per spec
// §4.F's "bounded ring (cap 100)".
const responseRingCap = 100

// ProviderStats is one provider's rolling accounting, read by the scoring
// formula and updated on every execution outcome.
type ProviderStats struct {
	AvgResponseTime     time.Duration
	AvgCost             float64
	SuccessCalls        int
	TotalCalls          int
	ConsecutiveFailures int
	LastFailureAt       *time.Time

	responseTimes []time.Duration
	costs         []float64
}

// SuccessRate is SuccessCalls/TotalCalls, or 1.0 with no history yet (an
// untested provider is not penalized before its first call).
func (s *ProviderStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 1
	}
	return float64(s.SuccessCalls) / float64(s.TotalCalls)
}

func (s *ProviderStats) recordResponseTime(d time.Duration) {
	s.responseTimes = append(s.responseTimes, d)
	if len(s.responseTimes) > responseRingCap {
		s.responseTimes = s.responseTimes[len(s.responseTimes)-responseRingCap:]
	}
	var sum time.Duration
	for _, v := range s.responseTimes {
		sum += v
	}
	s.AvgResponseTime = sum / time.Duration(len(s.responseTimes))
}

func (s *ProviderStats) recordCost(c float64) {
	s.costs = append(s.costs, c)
	if len(s.costs) > responseRingCap {
		s.costs = s.costs[len(s.costs)-responseRingCap:]
	}
	var sum float64
	for _, v := range s.costs {
		sum += v
	}
	s.AvgCost = sum / float64(len(s.costs))
}

// CompletionOptions controls a single Execute call.
type CompletionOptions struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxRetryDelay time.Duration
	Jitter        float64
}

// DefaultCompletionOptions matches spec §4.F's per-candidate retry
// defaults, floored at 100ms.
func DefaultCompletionOptions() CompletionOptions {
	return CompletionOptions{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxRetryDelay: 10 * time.Second, Jitter: 0.25}
}

// ExecutionResult is one successful Execute call's outcome, annotated
// with which provider served it.
type ExecutionResult struct {
	Provider string
	Response adapter.CompletionResponse
}
