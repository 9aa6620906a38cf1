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
	"time"

	"github.com/sony/gobreaker"

	"github.com/ingestpipe/core/pkg/gateway/adapter"
)

// breakerState mirrors spec §4.F's three circuit states.
type breakerState string

const (
	BreakerClosed   breakerState = "closed"
	BreakerOpen     breakerState = "open"
	BreakerHalfOpen breakerState = "half_open"
)

// breaker wraps gobreaker.CircuitBreaker with a count-based ReadyToTrip
// override (spec §4.F: "when count >= threshold, transition to open"),
// rather than gobreaker's default failure-ratio example. go-breaker v1's
// CircuitBreaker predates generics, so Execute's interface{} result is
// type-asserted back to adapter.CompletionResponse at the call site.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string, failureThreshold uint32, openTimeout time.Duration, onStateChange func(from, to breakerState)) *breaker {
	settings := gobreaker.Settings{
		Name: name,
		// MaxRequests left at its zero value (1): only one probing call is
		// admitted while half-open, matching spec §4.F exactly.
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onStateChange(toBreakerState(from), toBreakerState(to))
		}
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func toBreakerState(s gobreaker.State) breakerState {
	switch s {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateOpen:
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

func (b *breaker) State() breakerState {
	return toBreakerState(b.cb.State())
}

func (b *breaker) Execute(fn func() (adapter.CompletionResponse, error)) (adapter.CompletionResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if result == nil {
		return adapter.CompletionResponse{}, err
	}
	return result.(adapter.CompletionResponse), err
}
