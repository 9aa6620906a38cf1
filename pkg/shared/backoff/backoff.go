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

// Package backoff computes the jittered exponential retry delay shared by
// the job store's attempt backoff (spec §4.B) and the provider gateway's
// per-candidate retry (spec §4.F). Both use the same
// base*multiplier^n, capped, ±25% jitter formula; this package is the one
// place that formula lives.
//
// It is built on github.com/cenkalti/backoff/v5: Policy.Next configures a
// backoff.ExponentialBackOff per call (rather than holding long-lived
// retrier state) since the job store and gateway each need the delay for
// an arbitrary attempt number, not a running retrier.
package backoff

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes an exponential-backoff-with-jitter schedule.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	// Jitter is the uniform ± fraction applied to the computed delay
	// (0.25 == ±25%, matching spec §4.B and §4.F). Zero disables jitter,
	// used by tests that need deterministic delays.
	Jitter float64
	// Rand supplies jitter randomness; defaults to a package-level source
	// when nil, overridable in tests for deterministic output.
	Rand *rand.Rand
}

// DefaultPolicy uses base=1s and multiplier=2, with a 30s cap and ±25% jitter.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Multiplier: 2, Cap: 30 * time.Second, Jitter: 0.25}
}

// Next returns the delay before attempt n (0-indexed: n=0 is the delay
// before the first retry, following the first failure).
func (p Policy) Next(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = multiplier
	eb.RandomizationFactor = 0 // jitter applied below so we control the exact ±fraction
	if p.Cap > 0 {
		eb.MaxInterval = p.Cap
	}

	// NextBackOff returns base*multiplier^0 on its first call and advances
	// the internal interval by Multiplier after each call, so attempt n
	// (delay = base*multiplier^n) needs n+1 calls, keeping the last value.
	delay := p.Base
	for i := 0; i <= n; i++ {
		next, err := eb.NextBackOff()
		if err == backoff.Stop {
			delay = eb.MaxInterval
			break
		}
		delay = next
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	return p.jitter(delay)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	r := p.Rand
	if r == nil {
		r = globalRand
	}
	// uniform in [1-jitter, 1+jitter)
	factor := 1 - p.Jitter + r.Float64()*2*p.Jitter
	jittered := time.Duration(float64(d) * factor)
	if p.Cap > 0 && jittered > p.Cap {
		jittered = p.Cap
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

var globalRand = rand.New(rand.NewSource(time.Now().UnixNano()))
