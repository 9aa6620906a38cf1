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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ingestpipe/core/pkg/gateway/adapter"
	"github.com/ingestpipe/core/pkg/shared/errors"
)

// fakeAdapter is a scripted ProviderAdapter for deterministic gateway tests.
type fakeAdapter struct {
	name    string
	calls   atomic.Int64
	results []error // nil entries are successes; repeats the last entry once exhausted
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) SupportedModels() []string { return []string{"test-model"} }

func (f *fakeAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.CompletionResponse, error) {
	i := int(f.calls.Add(1)) - 1
	var err error
	if len(f.results) > 0 {
		if i < len(f.results) {
			err = f.results[i]
		} else {
			err = f.results[len(f.results)-1]
		}
	}
	if err != nil {
		return adapter.CompletionResponse{}, err
	}
	return adapter.CompletionResponse{Content: "ok from " + f.name, Model: req.Model}, nil
}

func (f *fakeAdapter) CalculateCost(model string, in, out int) (adapter.Cost, error) {
	return adapter.Cost{Currency: "USD"}, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) (adapter.HealthStatus, error) {
	return adapter.HealthStatus{Healthy: true}, nil
}

func retryableErr() error {
	return &errors.OperationError{Operation: "complete", Kind: errors.KindRemote5xx, Cause: errors.FailedTo("boom", nil)}
}

func nonRetryableErr() error {
	return &errors.OperationError{Operation: "complete", Kind: errors.KindAuth, Cause: errors.FailedTo("bad key", nil)}
}

func TestGateway_ExecuteSucceedsOnHealthyProvider(t *testing.T) {
	g := New(DefaultFailoverConfig(), nil)
	a := &fakeAdapter{name: "p1"}
	g.RegisterProvider(a)

	result, err := g.Execute(context.Background(), adapter.CompletionRequest{Model: "test-model", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Provider != "p1" {
		t.Errorf("provider = %q, want p1", result.Provider)
	}
}

func TestGateway_FailoverToHealthyProviderOnNonRetryableError(t *testing.T) {
	cfg := DefaultFailoverConfig()
	cfg.CircuitBreakerThreshold = 5
	g := New(cfg, nil)

	bad := &fakeAdapter{name: "bad", results: []error{nonRetryableErr()}}
	good := &fakeAdapter{name: "good"}
	g.RegisterProvider(bad)
	g.RegisterProvider(good)

	// Both providers start with equal scores, so either may rank first.
	// If "bad" is tried first its non-retryable error fails over to
	// "good"; if "good" is tried first it succeeds outright. Either way
	// the result must come from "good".
	result, err := g.Execute(context.Background(), adapter.CompletionRequest{Model: "test-model"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Provider != "good" {
		t.Errorf("provider = %q, want good (failover from bad)", result.Provider)
	}
}

func TestGateway_CircuitBreakerTripAndRecovery(t *testing.T) {
	cfg := DefaultFailoverConfig()
	cfg.CircuitBreakerThreshold = 5
	cfg.CircuitBreakerTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0 // one call per Execute attempt against this provider
	g := New(cfg, nil)

	failing := &fakeAdapter{name: "A", results: []error{retryableErr()}}
	healthy := &fakeAdapter{name: "B"}
	g.RegisterProvider(failing)
	g.RegisterProvider(healthy)

	events, unsubscribe := g.Subscribe()
	defer unsubscribe()

	// Drive 5 consecutive failures against A directly (bypassing ranking)
	// to trip its breaker deterministically.
	for i := 0; i < 5; i++ {
		if _, err := g.attempt(context.Background(), "A", adapter.CompletionRequest{Model: "test-model"}, cfg.completionOptions()); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	_, state, _ := g.Stats("A")
	if state != BreakerOpen {
		t.Fatalf("breaker state = %q, want open", state)
	}

	// A 6th call while open must be rejected fast without reaching the adapter.
	callsBefore := failing.calls.Load()
	if _, err := g.attempt(context.Background(), "A", adapter.CompletionRequest{Model: "test-model"}, cfg.completionOptions()); err == nil {
		t.Fatal("expected fast-reject while breaker open")
	}
	if failing.calls.Load() != callsBefore {
		t.Error("no call should reach an open-circuit provider")
	}

	// Once the timeout elapses and the next call succeeds, the breaker
	// should close and emit provider_recovered.
	time.Sleep(30 * time.Millisecond)
	failing.results = []error{nil} // the next call to A succeeds
	if _, err := g.attempt(context.Background(), "A", adapter.CompletionRequest{Model: "test-model"}, cfg.completionOptions()); err != nil {
		t.Fatalf("expected half-open probe to succeed: %v", err)
	}
	_, state, _ = g.Stats("A")
	if state != BreakerClosed {
		t.Fatalf("breaker state after recovery = %q, want closed", state)
	}

	var sawOpened, sawRecovered bool
	drain:
	for {
		select {
		case e := <-events:
			switch e.Kind {
			case EventCircuitOpened:
				sawOpened = true
			case EventProviderRecovered:
				sawRecovered = true
			}
		default:
			break drain
		}
	}
	if !sawOpened {
		t.Error("expected a circuit_breaker_opened event")
	}
	if !sawRecovered {
		t.Error("expected a provider_recovered event")
	}
}

func TestGateway_RetryThenSucceed(t *testing.T) {
	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 2
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	g := New(cfg, nil)

	a := &fakeAdapter{name: "p1", results: []error{retryableErr(), retryableErr(), nil}}
	g.RegisterProvider(a)

	result, err := g.Execute(context.Background(), adapter.CompletionRequest{Model: "test-model"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Provider != "p1" {
		t.Errorf("provider = %q, want p1", result.Provider)
	}
	if a.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (2 failures + 1 success)", a.calls.Load())
	}
}

func TestGateway_AllProvidersFailedEvent(t *testing.T) {
	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0
	g := New(cfg, nil)
	a := &fakeAdapter{name: "p1", results: []error{nonRetryableErr()}}
	g.RegisterProvider(a)

	events, unsubscribe := g.Subscribe()
	defer unsubscribe()

	_, err := g.Execute(context.Background(), adapter.CompletionRequest{Model: "test-model"})
	if err == nil {
		t.Fatal("expected error when the only provider fails")
	}

	select {
	case e := <-events:
		if e.Kind != EventProviderFailure {
			t.Fatalf("first event = %q, want provider_failure", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for provider_failure event")
	}
	select {
	case e := <-events:
		if e.Kind != EventAllProvidersFailed {
			t.Fatalf("second event = %q, want all_providers_failed", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for all_providers_failed event")
	}
}

func TestGateway_ExecuteUnknownProviderSetIsValidation(t *testing.T) {
	g := New(DefaultFailoverConfig(), nil)
	_, err := g.Execute(context.Background(), adapter.CompletionRequest{Model: "test-model"})
	if err == nil {
		t.Fatal("expected error executing with no providers registered")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("error = %q, want a validation error", err.Error())
	}
}
