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

// Package adapter defines the Provider Adapter Contract (spec §4.G) that
// every concrete LLM provider implementation satisfies, plus the shared
// request/response/cost shapes the gateway routes through.
package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CompletionRequest is one completion call's input.
type CompletionRequest struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Metadata    map[string]any
}

// Usage reports token accounting for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Cost reports the priced cost of a completion in Currency (default "USD").
type Cost struct {
	Input    decimal.Decimal
	Output   decimal.Decimal
	Total    decimal.Decimal
	Currency string
}

// CompletionResponse is one completion call's output.
type CompletionResponse struct {
	Content  string
	Model    string
	Usage    Usage
	Cost     Cost
	Metadata map[string]any
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy      bool
	ResponseTime time.Duration
	Error        string
}

// ProviderAdapter is the contract every concrete provider implementation
// satisfies (spec §4.G). Implementations must classify errors into
// retryable/non-retryable via HTTP status and domain-specific error codes
// (see Classify in classify.go).
type ProviderAdapter interface {
	Name() string
	SupportedModels() []string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	CalculateCost(model string, inputTokens, outputTokens int) (Cost, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// Shutdowner is the optional capability extension for adapters holding a
// resource (connection pool, background goroutine) that needs a clean
// stop, mirrored on the narrow-capability-interface idiom used by
// pkg/ingest.SourceHandler.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}
